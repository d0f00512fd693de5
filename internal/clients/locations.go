package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSaveDeviceInfo   = "clients.save_device_info"
	opFindDeviceRange  = "clients.find_device_range"
	opLatestDeviceInfo = "clients.latest_device_info"
)

// LocationStoreConfig describes the dependencies of the device location store.
type LocationStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// LocationStore persists device info samples and tracks each client's latest sample.
type LocationStore struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewLocationStore constructs a LocationStore.
func NewLocationStore(cfg LocationStoreConfig) (*LocationStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("clients: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewULIDProvider(clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocationStore{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Save stamps the sample with the server clock, stores it and advances the client's latest device info.
func (s *LocationStore) Save(ctx context.Context, clientID string, info DeviceInfo) (DeviceInfo, error) {
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSaveDeviceInfo, "id_generation_failed", err, clientID)
		return DeviceInfo{}, apperr.New(opSaveDeviceInfo, "id_generation_failed", err)
	}
	info.ID = recordID
	info.ClientID = clientID
	info.TimestampMs = s.now().UTC().UnixMilli()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&info).Error; err != nil {
			s.logError(opSaveDeviceInfo, "insert_failed", err, clientID)
			return apperr.New(opSaveDeviceInfo, "insert_failed", err)
		}
		result := tx.Model(&Client{}).
			Where("client_id = ?", clientID).
			Update("latest_device_info_id", info.ID)
		if result.Error != nil {
			s.logError(opSaveDeviceInfo, "client_update_failed", result.Error, clientID)
			return apperr.New(opSaveDeviceInfo, "client_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrClientNotFound
		}
		return nil
	})
	if txErr != nil {
		return DeviceInfo{}, txErr
	}
	return info, nil
}

// FindRange returns the client's samples with a timestamp in [fromMs, toMs], oldest first.
func (s *LocationStore) FindRange(ctx context.Context, clientID string, fromMs, toMs int64) ([]DeviceInfo, error) {
	var samples []DeviceInfo
	if err := s.db.WithContext(ctx).
		Where("client_id = ? AND timestamp_ms >= ? AND timestamp_ms <= ?", clientID, fromMs, toMs).
		Order("timestamp_ms ASC, device_info_id ASC").
		Find(&samples).Error; err != nil {
		s.logError(opFindDeviceRange, "query_failed", err, clientID)
		return nil, apperr.New(opFindDeviceRange, "query_failed", err)
	}
	return samples, nil
}

// Latest returns the sample referenced by the client's latest device info pointer.
func (s *LocationStore) Latest(ctx context.Context, client Client) (DeviceInfo, bool, error) {
	if client.LatestDeviceInfoID == "" {
		return DeviceInfo{}, false, nil
	}
	var info DeviceInfo
	err := s.db.WithContext(ctx).Where("device_info_id = ?", client.LatestDeviceInfoID).Take(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeviceInfo{}, false, nil
	}
	if err != nil {
		s.logError(opLatestDeviceInfo, "query_failed", err, client.ID)
		return DeviceInfo{}, false, apperr.New(opLatestDeviceInfo, "query_failed", err)
	}
	return info, true, nil
}

func (s *LocationStore) logError(operation, reason string, err error, clientID string) {
	s.logger.Error("device location store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("client_id", clientID),
		zap.Error(err))
}
