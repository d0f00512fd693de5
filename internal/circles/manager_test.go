package circles

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
)

func TestCreateCircleDerivesIDAndOwnerMembership(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{codes: &scriptedCodes{codes: []string{"Q7mZ2p"}}})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")

	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create circle failed: %v", err)
	}
	if circle.ID != "trip_"+owner.ID {
		t.Fatalf("unexpected circle id %q", circle.ID)
	}
	if circle.Code != "Q7mZ2p" || !circle.Active || circle.OwnerID != owner.ID {
		t.Fatalf("unexpected circle %+v", circle)
	}
	if circle.CodeUpdatedAtMs != fixture.clock.Now().UnixMilli() {
		t.Fatalf("expected code timestamp to be stamped, got %d", circle.CodeUpdatedAtMs)
	}

	membership, err := fixture.store.FindMembership(ctx, NewMembershipKey(owner.ID, circle.ID))
	if err != nil {
		t.Fatalf("owner membership missing: %v", err)
	}
	if membership.Role != RoleOwner || !membership.IsInCircle {
		t.Fatalf("unexpected owner membership %+v", membership)
	}
	if fixture.observer.created != 1 || fixture.observer.joined[RoleOwner] != 1 {
		t.Fatalf("unexpected observer counts %+v", fixture.observer)
	}
}

func TestCreateCircleRejectsDuplicateNameForOwner(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	other := fixture.registerClient(t, "b@example.com")

	if _, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip"); !errors.Is(err, ErrCircleAlreadyExists) {
		t.Fatalf("expected ErrCircleAlreadyExists, got %v", err)
	}
	if _, err := fixture.manager.CreateCircle(ctx, other.ID, "trip"); err != nil {
		t.Fatalf("same name for another owner should succeed: %v", err)
	}
}

func TestCreateCircleRejectsBlankName(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	owner := fixture.registerClient(t, "a@example.com")

	if _, err := fixture.manager.CreateCircle(context.Background(), owner.ID, "   "); !errors.Is(err, ErrInvalidCircleName) {
		t.Fatalf("expected ErrInvalidCircleName, got %v", err)
	}
}

func TestGeneratedCodesAreWellFormedAndUnique(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")

	seen := make(map[string]struct{})
	for index := 0; index < 25; index++ {
		circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "circle-"+string(rune('a'+index)))
		if err != nil {
			t.Fatalf("create %d failed: %v", index, err)
		}
		if !IsWellFormedCode(circle.Code) {
			t.Fatalf("malformed code %q", circle.Code)
		}
		if _, duplicate := seen[circle.Code]; duplicate {
			t.Fatalf("duplicate code %q", circle.Code)
		}
		seen[circle.Code] = struct{}{}
	}
}

func TestCreateCircleSkipsCodesAlreadyInUse(t *testing.T) {
	codes := &scriptedCodes{codes: []string{"AAAAAA", "AAAAAA", "BBBBBB"}}
	fixture := newManagerFixture(t, fixtureOptions{codes: codes})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")

	first, err := fixture.manager.CreateCircle(ctx, owner.ID, "home")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := fixture.manager.CreateCircle(ctx, owner.ID, "work")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first.Code != "AAAAAA" || second.Code != "BBBBBB" {
		t.Fatalf("unexpected codes %q and %q", first.Code, second.Code)
	}
	if fixture.observer.collisions != 1 {
		t.Fatalf("expected one collision, got %d", fixture.observer.collisions)
	}
}

func TestCreateCircleStopsAfterAttemptBudget(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{
		codes:       &scriptedCodes{codes: []string{"AAAAAA"}},
		maxAttempts: 3,
	})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")

	if _, err := fixture.manager.CreateCircle(ctx, owner.ID, "home"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := fixture.manager.CreateCircle(ctx, owner.ID, "work"); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
	}
	exists, err := fixture.store.ExistsByID(ctx, CircleID("work", owner.ID))
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if exists {
		t.Fatalf("expected no circle to be persisted")
	}
}

func TestRefreshCodeRotatesOnlyAfterInterval(t *testing.T) {
	codes := &scriptedCodes{codes: []string{"AAAAAA", "BBBBBB"}}
	fixture := newManagerFixture(t, fixtureOptions{codes: codes})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	fixture.clock.Advance(DefaultCodeRefreshInterval)
	code, err := fixture.manager.RefreshCode(ctx, owner.ID, circle.ID)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if code != "AAAAAA" {
		t.Fatalf("expected unchanged code at the interval boundary, got %q", code)
	}

	fixture.clock.Advance(time.Millisecond)
	code, err = fixture.manager.RefreshCode(ctx, owner.ID, circle.ID)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if code != "BBBBBB" {
		t.Fatalf("expected rotated code, got %q", code)
	}
	stored, err := fixture.store.FindByID(ctx, circle.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if stored.Code != "BBBBBB" || stored.CodeUpdatedAtMs != fixture.clock.Now().UnixMilli() {
		t.Fatalf("rotation not persisted: %+v", stored)
	}
	if fixture.observer.kept != 1 || fixture.observer.rotated != 1 {
		t.Fatalf("unexpected refresh counts %+v", fixture.observer)
	}
}

func TestRefreshCodeRequiresOwner(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	other := fixture.registerClient(t, "b@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := fixture.manager.RefreshCode(ctx, other.ID, circle.ID); !errors.Is(err, ErrCircleNotFound) {
		t.Fatalf("expected ErrCircleNotFound, got %v", err)
	}
}

func TestJoinIsIdempotentAndRefreshesTimestamp(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	member := fixture.registerClient(t, "b@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	joined, err := fixture.manager.Join(ctx, member.ID, circle.Code)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if joined.ID != circle.ID {
		t.Fatalf("joined unexpected circle %q", joined.ID)
	}
	first, err := fixture.store.FindMembership(ctx, NewMembershipKey(member.ID, circle.ID))
	if err != nil {
		t.Fatalf("membership missing: %v", err)
	}
	if first.Role != RoleMember || !first.IsInCircle {
		t.Fatalf("unexpected membership %+v", first)
	}

	fixture.clock.Advance(time.Minute)
	if _, err := fixture.manager.Join(ctx, member.ID, circle.Code); err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	second, err := fixture.store.FindMembership(ctx, NewMembershipKey(member.ID, circle.ID))
	if err != nil {
		t.Fatalf("membership missing: %v", err)
	}
	if second.JoinedAtMs <= first.JoinedAtMs {
		t.Fatalf("expected join timestamp to advance, got %d then %d", first.JoinedAtMs, second.JoinedAtMs)
	}

	var rows int64
	if err := fixture.db.Model(&Membership{}).Where("circle_id = ?", circle.ID).Count(&rows).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected owner and member rows only, got %d", rows)
	}
}

func TestJoinByOwnerKeepsOwnerRole(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := fixture.manager.Leave(ctx, owner.ID, circle.ID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if _, err := fixture.manager.Join(ctx, owner.ID, circle.Code); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	membership, err := fixture.store.FindMembership(ctx, NewMembershipKey(owner.ID, circle.ID))
	if err != nil {
		t.Fatalf("membership missing: %v", err)
	}
	if membership.Role != RoleOwner || !membership.IsInCircle {
		t.Fatalf("unexpected membership %+v", membership)
	}
}

func TestJoinUnknownCode(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	member := fixture.registerClient(t, "b@example.com")

	for _, code := range []string{"ZZZZZZ", "bad", ""} {
		if _, err := fixture.manager.Join(context.Background(), member.ID, code); !errors.Is(err, ErrCircleCodeNotFound) {
			t.Fatalf("code %q: expected ErrCircleCodeNotFound, got %v", code, err)
		}
	}
}

func TestLeaveRevokesMembersAccess(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	member := fixture.registerClient(t, "b@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := fixture.manager.Join(ctx, member.ID, circle.Code); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	members, err := fixture.manager.Members(ctx, member.ID, circle.ID)
	if err != nil {
		t.Fatalf("members failed: %v", err)
	}
	if len(members) != 1 || members[0].Client.ID != owner.ID || members[0].Role != RoleOwner {
		t.Fatalf("unexpected members %+v", members)
	}

	if err := fixture.manager.Leave(ctx, member.ID, circle.ID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if _, err := fixture.manager.Members(ctx, member.ID, circle.ID); !errors.Is(err, ErrCircleNotFound) {
		t.Fatalf("expected ErrCircleNotFound after leave, got %v", err)
	}

	membership, err := fixture.store.FindMembership(ctx, NewMembershipKey(member.ID, circle.ID))
	if err != nil {
		t.Fatalf("membership row should be kept: %v", err)
	}
	if membership.IsInCircle {
		t.Fatalf("expected inactive membership")
	}

	ownerView, err := fixture.manager.Members(ctx, owner.ID, circle.ID)
	if err != nil {
		t.Fatalf("owner members failed: %v", err)
	}
	if len(ownerView) != 1 || ownerView[0].Client.ID != member.ID || ownerView[0].IsInCircle {
		t.Fatalf("expected departed member to stay listed as inactive, got %+v", ownerView)
	}
}

func TestLeaveWithoutMembership(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	stranger := fixture.registerClient(t, "c@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := fixture.manager.Leave(ctx, stranger.ID, circle.ID); !errors.Is(err, ErrCircleNotFound) {
		t.Fatalf("expected ErrCircleNotFound, got %v", err)
	}
	if err := fixture.manager.Leave(ctx, owner.ID, "missing_"+owner.ID); !errors.Is(err, ErrCircleNotFound) {
		t.Fatalf("expected ErrCircleNotFound for unknown circle, got %v", err)
	}
}

func TestListCirclesIncludesDepartedMemberships(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	member := fixture.registerClient(t, "b@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := fixture.manager.Join(ctx, member.ID, circle.Code); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := fixture.manager.Leave(ctx, member.ID, circle.ID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	summaries, err := fixture.manager.ListCircles(ctx, member.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Circle.ID != circle.ID {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
	if summaries[0].MemberCount != 2 {
		t.Fatalf("expected count to include departed member, got %d", summaries[0].MemberCount)
	}

	empty, err := fixture.manager.ListCircles(ctx, fixture.registerClient(t, "c@example.com").ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no circles, got %+v", empty)
	}
}

func TestMemberLocationHistoryRequiresActiveMembership(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	member := fixture.registerClient(t, "b@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := fixture.manager.Join(ctx, member.ID, circle.Code); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	start := fixture.clock.Now().UnixMilli()
	for index := 0; index < 3; index++ {
		if _, err := fixture.locations.Save(ctx, member.ID, clients.DeviceInfo{Latitude: float64(index)}); err != nil {
			t.Fatalf("save sample failed: %v", err)
		}
		fixture.clock.Advance(time.Second)
	}

	history, err := fixture.manager.MemberLocationHistory(ctx, owner.ID, circle.ID, member.ID, start, start+1000)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 2 || history[0].Latitude != 0 || history[1].Latitude != 1 {
		t.Fatalf("unexpected history %+v", history)
	}

	if _, err := fixture.manager.MemberLocationHistory(ctx, owner.ID, circle.ID, member.ID, start+10, start); !errors.Is(err, ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}

	if err := fixture.manager.Leave(ctx, member.ID, circle.ID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if _, err := fixture.manager.MemberLocationHistory(ctx, owner.ID, circle.ID, member.ID, start, start+1000); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestUpdateCircleIsOwnerGated(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	other := fixture.registerClient(t, "b@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := fixture.manager.UpdateCircle(ctx, owner.ID, circle.ID, Circle{ID: "other", Name: "x"}); !errors.Is(err, ErrIdentifierMismatch) {
		t.Fatalf("expected ErrIdentifierMismatch, got %v", err)
	}
	if _, err := fixture.manager.UpdateCircle(ctx, other.ID, circle.ID, Circle{Name: "x", Active: true}); !errors.Is(err, ErrCircleNotFound) {
		t.Fatalf("expected ErrCircleNotFound, got %v", err)
	}

	fixture.clock.Advance(time.Hour)
	updated, err := fixture.manager.UpdateCircle(ctx, owner.ID, circle.ID, Circle{ID: circle.ID, Name: "road trip", Active: true, OwnerID: other.ID})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Name != "road trip" || updated.ID != circle.ID || updated.Code != circle.Code || !updated.Active {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if updated.OwnerID != owner.ID {
		t.Fatalf("expected owner to stay %s, got %s", owner.ID, updated.OwnerID)
	}
	if updated.CodeUpdatedAtMs != fixture.clock.Now().UnixMilli() {
		t.Fatalf("expected code timestamp to be stamped")
	}
}

func TestUpdateCircleReactivatesDeactivatedCircle(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	deactivated, err := fixture.manager.DeactivateCircle(ctx, owner.ID, circle.ID)
	if err != nil || !deactivated {
		t.Fatalf("deactivate failed: %v (%v)", err, deactivated)
	}
	stored, err := fixture.store.FindByID(ctx, circle.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if stored.Active {
		t.Fatalf("expected stored circle to be inactive")
	}

	fixture.clock.Advance(time.Minute)
	if _, err := fixture.manager.UpdateCircle(ctx, owner.ID, circle.ID, Circle{ID: circle.ID, Name: "trip", Active: true}); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	stored, err = fixture.store.FindByID(ctx, circle.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if !stored.Active || stored.Name != "trip" || stored.Code != circle.Code || stored.OwnerID != owner.ID {
		t.Fatalf("unexpected stored circle %+v", stored)
	}
	if stored.CodeUpdatedAtMs != fixture.clock.Now().UnixMilli() {
		t.Fatalf("expected code timestamp to be stamped")
	}
}

func TestUpdateCircleAppliesSuppliedCode(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	other, err := fixture.manager.CreateCircle(ctx, owner.ID, "home")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := fixture.manager.UpdateCircle(ctx, owner.ID, circle.ID, Circle{Name: "trip", Active: true, Code: "bad"}); !errors.Is(err, ErrInvalidCircleCode) {
		t.Fatalf("expected ErrInvalidCircleCode, got %v", err)
	}
	if _, err := fixture.manager.UpdateCircle(ctx, owner.ID, circle.ID, Circle{Name: "trip", Active: true, Code: other.Code}); !errors.Is(err, ErrCircleCodeTaken) {
		t.Fatalf("expected ErrCircleCodeTaken, got %v", err)
	}

	code := "ZZZZZ9"
	if code == other.Code || code == circle.Code {
		code = "ZZZZZ8"
	}
	updated, err := fixture.manager.UpdateCircle(ctx, owner.ID, circle.ID, Circle{Name: "trip", Active: true, Code: code})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Code != code {
		t.Fatalf("expected code %s, got %s", code, updated.Code)
	}
	found, err := fixture.store.FindByCode(ctx, code)
	if err != nil || found.ID != circle.ID {
		t.Fatalf("expected code to resolve to %s, got %+v (%v)", circle.ID, found, err)
	}
}

func TestDeactivateCircleReportsOutcome(t *testing.T) {
	fixture := newManagerFixture(t, fixtureOptions{})
	ctx := context.Background()
	owner := fixture.registerClient(t, "a@example.com")
	other := fixture.registerClient(t, "b@example.com")
	circle, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	deactivated, err := fixture.manager.DeactivateCircle(ctx, other.ID, circle.ID)
	if err != nil || deactivated {
		t.Fatalf("expected false without error for non-owner, got %v, %v", deactivated, err)
	}
	deactivated, err = fixture.manager.DeactivateCircle(ctx, owner.ID, circle.ID)
	if err != nil || !deactivated {
		t.Fatalf("expected deactivation, got %v, %v", deactivated, err)
	}
	stored, err := fixture.store.FindByID(ctx, circle.ID)
	if err != nil {
		t.Fatalf("soft-deleted circle should remain: %v", err)
	}
	if stored.Active {
		t.Fatalf("expected inactive circle")
	}
	if _, err := fixture.manager.CreateCircle(ctx, owner.ID, "trip"); !errors.Is(err, ErrCircleAlreadyExists) {
		t.Fatalf("expected deactivated id to stay reserved, got %v", err)
	}
}
