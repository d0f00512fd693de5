package circles

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the part a client plays within a circle.
type Role string

const (
	// RoleOwner is held by the client that created the circle.
	RoleOwner Role = "OWNER"
	// RoleMember is held by every client that joined through the code.
	RoleMember Role = "MEMBER"
)

const (
	circleIDSeparator   = "_"
	maxCircleNameLength = 120
)

var (
	// ErrCircleNotFound indicates the circle is unknown or not visible to the caller.
	ErrCircleNotFound = errors.New("circles: circle not found")
	// ErrMemberNotFound indicates a required active membership is missing.
	ErrMemberNotFound = errors.New("circles: member not found")
	// ErrCircleCodeNotFound indicates no circle carries the supplied join code.
	ErrCircleCodeNotFound = errors.New("circles: circle code not found")
	// ErrCircleAlreadyExists indicates the owner already has a circle with that name.
	ErrCircleAlreadyExists = errors.New("circles: circle already exists")
	// ErrIdentifierMismatch indicates the circle id in the path disagrees with the body.
	ErrIdentifierMismatch = errors.New("circles: identifier mismatch")
	// ErrInvalidCircleName indicates the circle name is empty or too long.
	ErrInvalidCircleName = errors.New("circles: invalid circle name")
	// ErrInvalidCircleCode indicates a supplied join code outside the join code length or alphabet.
	ErrInvalidCircleCode = errors.New("circles: invalid circle code")
	// ErrCircleCodeTaken indicates a supplied join code already belongs to another circle.
	ErrCircleCodeTaken = errors.New("circles: circle code taken")
	// ErrInvalidTimeRange indicates a history range whose start is after its end.
	ErrInvalidTimeRange = errors.New("circles: invalid time range")
	// ErrCodeSpaceExhausted indicates no unused join code was found within the attempt budget.
	ErrCodeSpaceExhausted = errors.New("circles: join code attempts exhausted")

	errCodeTaken          = errors.New("circles: join code taken")
	errMembershipNotFound = errors.New("circles: membership not found")
)

// Circle is a named group with one owner and a rotating join code.
type Circle struct {
	ID              string `gorm:"column:circle_id;primaryKey;size:255;not null"`
	Name            string `gorm:"column:name;size:120;not null"`
	Code            string `gorm:"column:code;size:16;not null;uniqueIndex:idx_circles_code"`
	CodeUpdatedAtMs int64  `gorm:"column:code_update_ms;not null"`
	Active          bool   `gorm:"column:active;not null"`
	OwnerID         string `gorm:"column:owner_id;size:64;not null;index:idx_circles_owner"`
}

// TableName provides the explicit table binding for GORM.
func (Circle) TableName() string {
	return "circles"
}

// CircleID derives the immutable circle identifier for an owner's circle name.
func CircleID(name, ownerID string) string {
	return name + circleIDSeparator + ownerID
}

// Membership records a client's role and participation in a circle. Rows are never deleted.
type Membership struct {
	ClientID   string `gorm:"column:client_id;primaryKey;size:64;not null;index:idx_memberships_client"`
	CircleID   string `gorm:"column:circle_id;primaryKey;size:255;not null;index:idx_memberships_circle"`
	Role       Role   `gorm:"column:role;size:16;not null"`
	IsInCircle bool   `gorm:"column:is_in_circle;not null"`
	JoinedAtMs int64  `gorm:"column:join_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "circle_memberships"
}

// Key returns the composite key of the membership row.
func (m Membership) Key() MembershipKey {
	return MembershipKey{ClientID: m.ClientID, CircleID: m.CircleID}
}

// MembershipKey is the composite (client, circle) identity of a membership row.
type MembershipKey struct {
	ClientID string
	CircleID string
}

// NewMembershipKey builds a key for the client and circle.
func NewMembershipKey(clientID, circleID string) MembershipKey {
	return MembershipKey{ClientID: clientID, CircleID: circleID}
}

// Less orders keys by circle first, then client.
func (k MembershipKey) Less(other MembershipKey) bool {
	if k.CircleID != other.CircleID {
		return k.CircleID < other.CircleID
	}
	return k.ClientID < other.ClientID
}

func (k MembershipKey) String() string {
	return fmt.Sprintf("%s/%s", k.CircleID, k.ClientID)
}

// CircleSummary pairs a circle with the number of membership rows it has.
type CircleSummary struct {
	Circle      Circle
	MemberCount int
}

func normalizeCircleName(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCircleName)
	}
	if len(trimmed) > maxCircleNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCircleName, maxCircleNameLength)
	}
	return trimmed, nil
}
