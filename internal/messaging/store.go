package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"gorm.io/gorm"
)

const (
	opStoreCreate   = "messaging.store.create"
	opStoreMarkSent = "messaging.store.mark_sent"
	opStoreFind     = "messaging.store.find"
)

// GormStore persists messages through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create inserts a new message row.
func (s *GormStore) Create(ctx context.Context, message *Message) error {
	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		return apperr.New(opStoreCreate, "insert_failed", err)
	}
	return nil
}

// MarkSent flips the sent flag of a single message row.
func (s *GormStore) MarkSent(ctx context.Context, messageID string, sentAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"sent":    true,
			"sent_at": sentAt.UTC(),
		})
	if result.Error != nil {
		return apperr.New(opStoreMarkSent, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// FindByID loads a message.
func (s *GormStore) FindByID(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, apperr.New(opStoreFind, "query_failed", err)
	}
	return message, nil
}
