package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opResolve         = "clients.resolve"
	opGetByIdentity   = "clients.get_by_identity"
	opGetByID         = "clients.get_by_id"
	opGetByIDs        = "clients.get_by_ids"
	opUpdatePushToken = "clients.update_push_token"
	opDisable         = "clients.disable"
)

// DirectoryConfig describes the dependencies required for client resolution.
type DirectoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Directory resolves authenticated identities to client records.
type Directory struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	cache      sync.Map
}

// NewDirectory constructs the client directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("clients: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("clients: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Resolve returns the enabled client for identity, registering a new client the first time the identity is seen.
func (d *Directory) Resolve(ctx context.Context, identity string) (Client, error) {
	normalized, err := normalizeIdentity(identity)
	if err != nil {
		return Client{}, err
	}

	if cachedID, ok := d.cache.Load(normalized); ok {
		if clientID, ok := cachedID.(string); ok {
			client, err := d.GetByID(ctx, clientID)
			if err == nil {
				return requireEnabled(client)
			}
			if !errors.Is(err, ErrClientNotFound) {
				return Client{}, err
			}
			d.cache.Delete(normalized)
		}
	}

	client, err := d.GetByIdentity(ctx, normalized)
	if errors.Is(err, ErrClientNotFound) {
		clientID, idErr := d.idProvider.NewID()
		if idErr != nil {
			d.logError(opResolve, "id_generation_failed", idErr)
			return Client{}, apperr.New(opResolve, "id_generation_failed", idErr)
		}
		client = Client{
			ID:       clientID,
			Identity: normalized,
			Enabled:  true,
			Roles:    RoleClient,
		}
		if err := d.db.WithContext(ctx).Create(&client).Error; err != nil {
			d.logError(opResolve, "client_insert_failed", err, zap.String("identity", normalized))
			return Client{}, apperr.New(opResolve, "client_insert_failed", err)
		}
		d.logger.Info("client registered", zap.String("client_id", client.ID))
	} else if err != nil {
		return Client{}, err
	}

	d.cache.Store(normalized, client.ID)
	return requireEnabled(client)
}

// GetByIdentity looks up a client by its login identity.
func (d *Directory) GetByIdentity(ctx context.Context, identity string) (Client, error) {
	normalized, err := normalizeIdentity(identity)
	if err != nil {
		return Client{}, err
	}
	var client Client
	err = d.db.WithContext(ctx).Where("identity = ?", normalized).Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Client{}, ErrClientNotFound
	}
	if err != nil {
		d.logError(opGetByIdentity, "query_failed", err)
		return Client{}, apperr.New(opGetByIdentity, "query_failed", err)
	}
	return client, nil
}

// GetByID looks up a client by id.
func (d *Directory) GetByID(ctx context.Context, clientID string) (Client, error) {
	if strings.TrimSpace(clientID) == "" {
		return Client{}, ErrClientNotFound
	}
	var client Client
	err := d.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Client{}, ErrClientNotFound
	}
	if err != nil {
		d.logError(opGetByID, "query_failed", err, zap.String("client_id", clientID))
		return Client{}, apperr.New(opGetByID, "query_failed", err)
	}
	return client, nil
}

// GetByIDs loads every client in clientIDs; unknown ids are skipped.
func (d *Directory) GetByIDs(ctx context.Context, clientIDs []string) ([]Client, error) {
	if len(clientIDs) == 0 {
		return nil, nil
	}
	var found []Client
	if err := d.db.WithContext(ctx).
		Where("client_id IN ?", clientIDs).
		Order("client_id ASC").
		Find(&found).Error; err != nil {
		d.logError(opGetByIDs, "query_failed", err)
		return nil, apperr.New(opGetByIDs, "query_failed", err)
	}
	return found, nil
}

// UpdatePushToken stores the device push token used by the push gateway.
func (d *Directory) UpdatePushToken(ctx context.Context, clientID, pushToken string) (Client, error) {
	result := d.db.WithContext(ctx).
		Model(&Client{}).
		Where("client_id = ?", clientID).
		Updates(map[string]interface{}{
			"push_token": strings.TrimSpace(pushToken),
			"updated_at": d.now().UTC(),
		})
	if result.Error != nil {
		d.logError(opUpdatePushToken, "update_failed", result.Error, zap.String("client_id", clientID))
		return Client{}, apperr.New(opUpdatePushToken, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Client{}, ErrClientNotFound
	}
	return d.GetByID(ctx, clientID)
}

// Disable soft-deletes a client; the row is kept for membership history.
func (d *Directory) Disable(ctx context.Context, clientID string) error {
	result := d.db.WithContext(ctx).
		Model(&Client{}).
		Where("client_id = ?", clientID).
		Updates(map[string]interface{}{
			"enabled":    false,
			"updated_at": d.now().UTC(),
		})
	if result.Error != nil {
		d.logError(opDisable, "update_failed", result.Error, zap.String("client_id", clientID))
		return apperr.New(opDisable, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClientNotFound
	}
	return nil
}

func requireEnabled(client Client) (Client, error) {
	if !client.Enabled {
		return Client{}, ErrClientDisabled
	}
	return client, nil
}

func (d *Directory) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	d.logger.Error("clients directory error", attrs...)
}
