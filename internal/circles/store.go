package circles

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreCreate          = "circles.store.create_with_owner"
	opStoreSave            = "circles.store.save"
	opStoreFind            = "circles.store.find"
	opStoreExists          = "circles.store.exists"
	opStoreSaveMembership  = "circles.store.save_membership"
	opStoreFindMembership  = "circles.store.find_membership"
	opStoreCountMembership = "circles.store.count_memberships"

	queryCircleID         = "circle_id = ?"
	queryCircleIDIn       = "circle_id IN ?"
	queryCode             = "code = ?"
	queryCircleIDAndOwner = "circle_id = ? AND owner_id = ?"
	queryClientAndCircle  = "client_id = ? AND circle_id = ?"
	queryClientID         = "client_id = ?"
	queryMembershipActive = "client_id = ? AND circle_id = ? AND is_in_circle = ?"
)

// GormStore persists circles and memberships through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateWithOwner inserts the circle and its owner membership in one transaction.
func (s *GormStore) CreateWithOwner(ctx context.Context, circle Circle, owner Membership) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&circle).Error; err != nil {
			return err
		}
		return tx.Create(&owner).Error
	})
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		exists, existsErr := s.ExistsByID(ctx, circle.ID)
		if existsErr != nil {
			return existsErr
		}
		if exists {
			return ErrCircleAlreadyExists
		}
		return errCodeTaken
	}
	return apperr.New(opStoreCreate, "insert_failed", err)
}

// Save writes every column of circle.
func (s *GormStore) Save(ctx context.Context, circle *Circle) error {
	err := s.db.WithContext(ctx).Save(circle).Error
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		return errCodeTaken
	}
	return apperr.New(opStoreSave, "update_failed", err)
}

// FindByID loads a circle regardless of its active flag.
func (s *GormStore) FindByID(ctx context.Context, circleID string) (Circle, error) {
	return s.takeCircle(ctx, ErrCircleNotFound, queryCircleID, circleID)
}

// FindByCode loads the circle currently carrying code.
func (s *GormStore) FindByCode(ctx context.Context, code string) (Circle, error) {
	return s.takeCircle(ctx, ErrCircleCodeNotFound, queryCode, code)
}

// FindByIDAndOwner loads a circle only when ownerID owns it.
func (s *GormStore) FindByIDAndOwner(ctx context.Context, circleID, ownerID string) (Circle, error) {
	return s.takeCircle(ctx, ErrCircleNotFound, queryCircleIDAndOwner, circleID, ownerID)
}

// FindByIDs loads the circles in circleIDs ordered by id.
func (s *GormStore) FindByIDs(ctx context.Context, circleIDs []string) ([]Circle, error) {
	if len(circleIDs) == 0 {
		return nil, nil
	}
	var found []Circle
	if err := s.db.WithContext(ctx).Where(queryCircleIDIn, circleIDs).Order("circle_id ASC").Find(&found).Error; err != nil {
		return nil, apperr.New(opStoreFind, "query_failed", err)
	}
	return found, nil
}

// ExistsByID reports whether a circle with circleID exists.
func (s *GormStore) ExistsByID(ctx context.Context, circleID string) (bool, error) {
	return s.exists(ctx, queryCircleID, circleID)
}

// ExistsByCode reports whether any circle, active or not, carries code.
func (s *GormStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	return s.exists(ctx, queryCode, code)
}

// SaveMembership upserts the membership row on its composite key; last write wins.
func (s *GormStore) SaveMembership(ctx context.Context, membership *Membership) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}, {Name: "circle_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "is_in_circle", "join_ms"}),
	}).Create(membership).Error
	if err != nil {
		return apperr.New(opStoreSaveMembership, "upsert_failed", err)
	}
	return nil
}

// FindMembership loads the membership row for key.
func (s *GormStore) FindMembership(ctx context.Context, key MembershipKey) (Membership, error) {
	return s.takeMembership(ctx, queryClientAndCircle, key.ClientID, key.CircleID)
}

// FindMembershipByActive loads the membership row for the client and circle when its active flag matches.
func (s *GormStore) FindMembershipByActive(ctx context.Context, clientID, circleID string, active bool) (Membership, error) {
	return s.takeMembership(ctx, queryMembershipActive, clientID, circleID, active)
}

// FindMembershipsByCircle returns every membership row of the circle, active or not.
func (s *GormStore) FindMembershipsByCircle(ctx context.Context, circleID string) ([]Membership, error) {
	return s.findMemberships(ctx, queryCircleID, circleID)
}

// FindMembershipsByClient returns every membership row of the client, active or not.
func (s *GormStore) FindMembershipsByClient(ctx context.Context, clientID string) ([]Membership, error) {
	return s.findMemberships(ctx, queryClientID, clientID)
}

// CountMembershipsByCircle counts membership rows per circle, active or not.
func (s *GormStore) CountMembershipsByCircle(ctx context.Context, circleIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(circleIDs))
	if len(circleIDs) == 0 {
		return counts, nil
	}
	type circleCount struct {
		CircleID string
		Total    int
	}
	var rows []circleCount
	if err := s.db.WithContext(ctx).
		Model(&Membership{}).
		Select("circle_id, COUNT(*) AS total").
		Where(queryCircleIDIn, circleIDs).
		Group("circle_id").
		Scan(&rows).Error; err != nil {
		return nil, apperr.New(opStoreCountMembership, "query_failed", err)
	}
	for _, row := range rows {
		counts[row.CircleID] = row.Total
	}
	return counts, nil
}

func (s *GormStore) takeCircle(ctx context.Context, notFound error, query string, args ...interface{}) (Circle, error) {
	var circle Circle
	err := s.db.WithContext(ctx).Where(query, args...).Take(&circle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Circle{}, notFound
	}
	if err != nil {
		return Circle{}, apperr.New(opStoreFind, "query_failed", err)
	}
	return circle, nil
}

func (s *GormStore) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Circle{}).Where(query, args...).Limit(1).Count(&count).Error; err != nil {
		return false, apperr.New(opStoreExists, "query_failed", err)
	}
	return count > 0, nil
}

func (s *GormStore) takeMembership(ctx context.Context, query string, args ...interface{}) (Membership, error) {
	var membership Membership
	err := s.db.WithContext(ctx).Where(query, args...).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, errMembershipNotFound
	}
	if err != nil {
		return Membership{}, apperr.New(opStoreFindMembership, "query_failed", err)
	}
	return membership, nil
}

func (s *GormStore) findMemberships(ctx context.Context, query string, args ...interface{}) ([]Membership, error) {
	var memberships []Membership
	if err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("circle_id ASC, client_id ASC").
		Find(&memberships).Error; err != nil {
		return nil, apperr.New(opStoreFindMembership, "query_failed", err)
	}
	return memberships, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
