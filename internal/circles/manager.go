package circles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"go.uber.org/zap"
)

const (
	// DefaultCodeRefreshInterval is how long a join code stays fixed before RefreshCode rotates it.
	DefaultCodeRefreshInterval = 5 * 24 * time.Hour
	// DefaultMaxCodeAttempts bounds the number of candidate codes sampled per generation.
	DefaultMaxCodeAttempts = 32
)

const (
	opManagerNew     = "circles.manager.new"
	opCreateCircle   = "circles.create_circle"
	opUpdateCircle   = "circles.update_circle"
	opDeactivate     = "circles.deactivate_circle"
	opListCircles    = "circles.list_circles"
	opMembers        = "circles.members"
	opMemberHistory  = "circles.member_location_history"
	opJoin           = "circles.join"
	opLeave          = "circles.leave"
	opRefreshCode    = "circles.refresh_code"
	opGenerateCode   = "circles.generate_code"
	reasonCodeSample = "code_sample_failed"
)

var errMissingDependency = errors.New("dependency is required")

// CircleStore persists circle rows.
type CircleStore interface {
	CreateWithOwner(ctx context.Context, circle Circle, owner Membership) error
	Save(ctx context.Context, circle *Circle) error
	FindByID(ctx context.Context, circleID string) (Circle, error)
	FindByCode(ctx context.Context, code string) (Circle, error)
	FindByIDAndOwner(ctx context.Context, circleID, ownerID string) (Circle, error)
	FindByIDs(ctx context.Context, circleIDs []string) ([]Circle, error)
	ExistsByID(ctx context.Context, circleID string) (bool, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
}

// MembershipStore persists membership rows keyed by (client, circle).
type MembershipStore interface {
	SaveMembership(ctx context.Context, membership *Membership) error
	FindMembership(ctx context.Context, key MembershipKey) (Membership, error)
	FindMembershipByActive(ctx context.Context, clientID, circleID string, active bool) (Membership, error)
	FindMembershipsByCircle(ctx context.Context, circleID string) ([]Membership, error)
	FindMembershipsByClient(ctx context.Context, clientID string) ([]Membership, error)
	CountMembershipsByCircle(ctx context.Context, circleIDs []string) (map[string]int, error)
}

// ClientLookup resolves client records by id.
type ClientLookup interface {
	GetByIDs(ctx context.Context, clientIDs []string) ([]clients.Client, error)
}

// LocationReader reads stored device samples.
type LocationReader interface {
	FindRange(ctx context.Context, clientID string, fromMs, toMs int64) ([]clients.DeviceInfo, error)
	Latest(ctx context.Context, client clients.Client) (clients.DeviceInfo, bool, error)
}

// Observer receives circle lifecycle events.
type Observer interface {
	CircleCreated()
	CircleDeactivated()
	MembershipJoined(role Role)
	MembershipLeft()
	CodeRefreshed(rotated bool)
	CodeCollision()
}

type noopObserver struct{}

func (noopObserver) CircleCreated() {}
func (noopObserver) CircleDeactivated() {}
func (noopObserver) MembershipJoined(Role) {}
func (noopObserver) MembershipLeft() {}
func (noopObserver) CodeRefreshed(bool) {}
func (noopObserver) CodeCollision() {}

// ManagerConfig describes the collaborators of the circle manager.
type ManagerConfig struct {
	Circles             CircleStore
	Memberships         MembershipStore
	Clients             ClientLookup
	Locations           LocationReader
	Codes               CodeGenerator
	Clock               func() time.Time
	CodeRefreshInterval time.Duration
	MaxCodeAttempts     int
	Logger              *zap.Logger
	Observer            Observer
}

// Manager owns the circle and membership lifecycle.
type Manager struct {
	circles         CircleStore
	memberships     MembershipStore
	clients         ClientLookup
	locations       LocationReader
	codes           CodeGenerator
	clock           func() time.Time
	refreshInterval time.Duration
	maxCodeAttempts int
	logger          *zap.Logger
	observer        Observer
}

// Member is a client known to a circle together with its membership state.
type Member struct {
	Client       clients.Client
	Role         Role
	IsInCircle   bool
	JoinedAtMs   int64
	LastLocation *clients.DeviceInfo
}

// NewManager validates cfg and applies defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Circles == nil:
		return nil, apperr.New(opManagerNew, "missing_circle_store", errMissingDependency)
	case cfg.Memberships == nil:
		return nil, apperr.New(opManagerNew, "missing_membership_store", errMissingDependency)
	case cfg.Clients == nil:
		return nil, apperr.New(opManagerNew, "missing_client_lookup", errMissingDependency)
	case cfg.Locations == nil:
		return nil, apperr.New(opManagerNew, "missing_location_reader", errMissingDependency)
	}
	codes := cfg.Codes
	if codes == nil {
		codes = NewSecureCodeGenerator()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	refreshInterval := cfg.CodeRefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = DefaultCodeRefreshInterval
	}
	maxAttempts := cfg.MaxCodeAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCodeAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Manager{
		circles:         cfg.Circles,
		memberships:     cfg.Memberships,
		clients:         cfg.Clients,
		locations:       cfg.Locations,
		codes:           codes,
		clock:           clock,
		refreshInterval: refreshInterval,
		maxCodeAttempts: maxAttempts,
		logger:          logger,
		observer:        observer,
	}, nil
}

// CreateCircle creates an active circle owned by ownerID together with the owner's membership.
func (m *Manager) CreateCircle(ctx context.Context, ownerID, name string) (Circle, error) {
	normalized, err := normalizeCircleName(name)
	if err != nil {
		return Circle{}, err
	}
	circleID := CircleID(normalized, ownerID)
	exists, err := m.circles.ExistsByID(ctx, circleID)
	if err != nil {
		m.logError(opCreateCircle, "exists_check_failed", err, zap.String("circle_id", circleID))
		return Circle{}, err
	}
	if exists {
		return Circle{}, ErrCircleAlreadyExists
	}

	for attempt := 0; attempt < m.maxCodeAttempts; attempt++ {
		code, err := m.generateCode(ctx)
		if err != nil {
			return Circle{}, err
		}
		nowMs := m.nowMs()
		circle := Circle{
			ID:              circleID,
			Name:            normalized,
			Code:            code,
			CodeUpdatedAtMs: nowMs,
			Active:          true,
			OwnerID:         ownerID,
		}
		owner := Membership{
			ClientID:   ownerID,
			CircleID:   circleID,
			Role:       RoleOwner,
			IsInCircle: true,
			JoinedAtMs: nowMs,
		}
		err = m.circles.CreateWithOwner(ctx, circle, owner)
		switch {
		case err == nil:
			m.observer.CircleCreated()
			m.observer.MembershipJoined(RoleOwner)
			m.logger.Info("circle created",
				zap.String("circle_id", circle.ID),
				zap.String("owner_id", ownerID))
			return circle, nil
		case errors.Is(err, ErrCircleAlreadyExists):
			return Circle{}, err
		case errors.Is(err, errCodeTaken):
			m.observer.CodeCollision()
			continue
		default:
			m.logError(opCreateCircle, "insert_failed", err, zap.String("circle_id", circleID))
			return Circle{}, err
		}
	}
	m.logError(opCreateCircle, "code_space_exhausted", ErrCodeSpaceExhausted, zap.String("circle_id", circleID))
	return Circle{}, ErrCodeSpaceExhausted
}

// UpdateCircle persists the caller-supplied name, active flag and join code onto a circle owned by ownerID.
// The id and owner are immutable; an empty code keeps the stored one. The code timestamp is stamped to now.
func (m *Manager) UpdateCircle(ctx context.Context, ownerID, circleID string, update Circle) (Circle, error) {
	if update.ID != "" && update.ID != circleID {
		return Circle{}, ErrIdentifierMismatch
	}
	name, err := normalizeCircleName(update.Name)
	if err != nil {
		return Circle{}, err
	}
	code := strings.TrimSpace(update.Code)
	if code != "" && !IsWellFormedCode(code) {
		return Circle{}, ErrInvalidCircleCode
	}
	stored, err := m.circles.FindByIDAndOwner(ctx, circleID, ownerID)
	if err != nil {
		return Circle{}, err
	}
	stored.Name = name
	stored.Active = update.Active
	if code != "" {
		stored.Code = code
	}
	stored.CodeUpdatedAtMs = m.nowMs()
	if err := m.circles.Save(ctx, &stored); err != nil {
		if errors.Is(err, errCodeTaken) {
			return Circle{}, ErrCircleCodeTaken
		}
		m.logError(opUpdateCircle, "save_failed", err, zap.String("circle_id", circleID))
		return Circle{}, err
	}
	return stored, nil
}

// DeactivateCircle soft-deletes a circle owned by ownerID. It reports false without an error when the
// owner has no such circle.
func (m *Manager) DeactivateCircle(ctx context.Context, ownerID, circleID string) (bool, error) {
	stored, err := m.circles.FindByIDAndOwner(ctx, circleID, ownerID)
	if errors.Is(err, ErrCircleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stored.Active = false
	stored.CodeUpdatedAtMs = m.nowMs()
	if err := m.circles.Save(ctx, &stored); err != nil {
		m.logError(opDeactivate, "save_failed", err, zap.String("circle_id", circleID))
		return false, err
	}
	m.observer.CircleDeactivated()
	m.logger.Info("circle deactivated", zap.String("circle_id", circleID))
	return true, nil
}

// ListCircles returns every circle the client has a membership row for, including circles it left,
// each with its total membership row count.
func (m *Manager) ListCircles(ctx context.Context, clientID string) ([]CircleSummary, error) {
	memberships, err := m.memberships.FindMembershipsByClient(ctx, clientID)
	if err != nil {
		m.logError(opListCircles, "membership_query_failed", err, zap.String("client_id", clientID))
		return nil, err
	}
	if len(memberships) == 0 {
		return []CircleSummary{}, nil
	}
	circleIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		circleIDs = append(circleIDs, membership.CircleID)
	}
	found, err := m.circles.FindByIDs(ctx, circleIDs)
	if err != nil {
		return nil, err
	}
	counts, err := m.memberships.CountMembershipsByCircle(ctx, circleIDs)
	if err != nil {
		return nil, err
	}
	summaries := make([]CircleSummary, 0, len(found))
	for _, circle := range found {
		summaries = append(summaries, CircleSummary{Circle: circle, MemberCount: counts[circle.ID]})
	}
	return summaries, nil
}

// Members lists every other client with a membership row in the circle. The caller must be an active member.
func (m *Manager) Members(ctx context.Context, clientID, circleID string) ([]Member, error) {
	if err := m.requireActiveMember(ctx, clientID, circleID); err != nil {
		if errors.Is(err, errMembershipNotFound) {
			return nil, ErrCircleNotFound
		}
		return nil, err
	}
	memberships, err := m.memberships.FindMembershipsByCircle(ctx, circleID)
	if err != nil {
		m.logError(opMembers, "membership_query_failed", err, zap.String("circle_id", circleID))
		return nil, err
	}

	byClient := make(map[string]Membership, len(memberships))
	otherIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		if membership.ClientID == clientID {
			continue
		}
		byClient[membership.ClientID] = membership
		otherIDs = append(otherIDs, membership.ClientID)
	}
	records, err := m.clients.GetByIDs(ctx, otherIDs)
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(records))
	for _, record := range records {
		membership := byClient[record.ID]
		member := Member{
			Client:     record,
			Role:       membership.Role,
			IsInCircle: membership.IsInCircle,
			JoinedAtMs: membership.JoinedAtMs,
		}
		latest, ok, err := m.locations.Latest(ctx, record)
		if err != nil {
			return nil, err
		}
		if ok {
			member.LastLocation = &latest
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Client.ID < members[j].Client.ID
	})
	return members, nil
}

// MemberLocationHistory returns memberID's samples within [fromMs, toMs]. Caller and member must both be
// active in the circle.
func (m *Manager) MemberLocationHistory(ctx context.Context, clientID, circleID, memberID string, fromMs, toMs int64) ([]clients.DeviceInfo, error) {
	if fromMs > toMs {
		return nil, ErrInvalidTimeRange
	}
	for _, id := range []string{clientID, memberID} {
		err := m.requireActiveMember(ctx, id, circleID)
		if errors.Is(err, errMembershipNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
		}
		if err != nil {
			m.logError(opMemberHistory, "membership_query_failed", err, zap.String("circle_id", circleID))
			return nil, err
		}
	}
	samples, err := m.locations.FindRange(ctx, memberID, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []clients.DeviceInfo{}
	}
	return samples, nil
}

// Join enters the circle carrying code. Repeating a join overwrites the existing row with a fresh timestamp.
func (m *Manager) Join(ctx context.Context, clientID, code string) (Circle, error) {
	trimmed := strings.TrimSpace(code)
	if !IsWellFormedCode(trimmed) {
		return Circle{}, ErrCircleCodeNotFound
	}
	circle, err := m.circles.FindByCode(ctx, trimmed)
	if err != nil {
		return Circle{}, err
	}
	role := RoleMember
	if circle.OwnerID == clientID {
		role = RoleOwner
	}
	membership := Membership{
		ClientID:   clientID,
		CircleID:   circle.ID,
		Role:       role,
		IsInCircle: true,
		JoinedAtMs: m.nowMs(),
	}
	if err := m.memberships.SaveMembership(ctx, &membership); err != nil {
		m.logError(opJoin, "membership_save_failed", err,
			zap.String("circle_id", circle.ID),
			zap.String("client_id", clientID))
		return Circle{}, err
	}
	m.observer.MembershipJoined(role)
	m.logger.Info("circle joined",
		zap.String("circle_id", circle.ID),
		zap.String("client_id", clientID),
		zap.String("role", string(role)))
	return circle, nil
}

// Leave marks the client's membership inactive. The row is kept.
func (m *Manager) Leave(ctx context.Context, clientID, circleID string) error {
	if _, err := m.circles.FindByID(ctx, circleID); err != nil {
		return err
	}
	membership, err := m.memberships.FindMembership(ctx, NewMembershipKey(clientID, circleID))
	if errors.Is(err, errMembershipNotFound) {
		return ErrCircleNotFound
	}
	if err != nil {
		return err
	}
	membership.IsInCircle = false
	if err := m.memberships.SaveMembership(ctx, &membership); err != nil {
		m.logError(opLeave, "membership_save_failed", err,
			zap.String("circle_id", circleID),
			zap.String("client_id", clientID))
		return err
	}
	m.observer.MembershipLeft()
	m.logger.Info("circle left",
		zap.String("circle_id", circleID),
		zap.String("client_id", clientID))
	return nil
}

// RefreshCode returns the circle's join code, rotating it first when the refresh interval has elapsed.
func (m *Manager) RefreshCode(ctx context.Context, ownerID, circleID string) (string, error) {
	stored, err := m.circles.FindByIDAndOwner(ctx, circleID, ownerID)
	if err != nil {
		return "", err
	}
	nowMs := m.nowMs()
	if time.Duration(nowMs-stored.CodeUpdatedAtMs)*time.Millisecond <= m.refreshInterval {
		m.observer.CodeRefreshed(false)
		return stored.Code, nil
	}

	for attempt := 0; attempt < m.maxCodeAttempts; attempt++ {
		code, err := m.generateCode(ctx)
		if err != nil {
			return "", err
		}
		rotated := stored
		rotated.Code = code
		rotated.CodeUpdatedAtMs = nowMs
		err = m.circles.Save(ctx, &rotated)
		if errors.Is(err, errCodeTaken) {
			m.observer.CodeCollision()
			continue
		}
		if err != nil {
			m.logError(opRefreshCode, "save_failed", err, zap.String("circle_id", circleID))
			return "", err
		}
		m.observer.CodeRefreshed(true)
		m.logger.Info("circle code rotated", zap.String("circle_id", circleID))
		return rotated.Code, nil
	}
	m.logError(opRefreshCode, "code_space_exhausted", ErrCodeSpaceExhausted, zap.String("circle_id", circleID))
	return "", ErrCodeSpaceExhausted
}

// generateCode samples codes until one is unused by every stored circle.
func (m *Manager) generateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < m.maxCodeAttempts; attempt++ {
		code, err := m.codes.NewCode()
		if err != nil {
			m.logError(opGenerateCode, reasonCodeSample, err)
			return "", apperr.New(opGenerateCode, reasonCodeSample, err)
		}
		taken, err := m.circles.ExistsByCode(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
		m.observer.CodeCollision()
	}
	return "", ErrCodeSpaceExhausted
}

func (m *Manager) nowMs() int64 {
	return m.clock().UTC().UnixMilli()
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	m.logger.Error("circle manager error", attrs...)
}

func (m *Manager) requireActiveMember(ctx context.Context, clientID, circleID string) error {
	_, err := m.memberships.FindMembershipByActive(ctx, clientID, circleID, true)
	return err
}
