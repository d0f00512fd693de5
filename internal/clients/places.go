package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAddFavoritePlace        = "clients.add_favorite_place"
	opUpdateFavoritePlace     = "clients.update_favorite_place"
	opDeactivateFavoritePlace = "clients.deactivate_favorite_place"
	opListFavoritePlaces      = "clients.list_favorite_places"

	maxTagNameLength = 120
	queryPlaceOwner  = "favorite_place_id = ? AND client_id = ?"
)

var (
	// ErrFavoritePlaceNotFound indicates the place is unknown or belongs to another client.
	ErrFavoritePlaceNotFound = errors.New("clients: favorite place not found")
	// ErrInvalidFavoritePlace indicates an empty or oversized tag name, or coordinates out of range.
	ErrInvalidFavoritePlace = errors.New("clients: invalid favorite place")
)

// FavoritePlace is a tagged coordinate saved by a client. Rows are soft-deleted through Active.
type FavoritePlace struct {
	ID          string  `gorm:"column:favorite_place_id;primaryKey;size:64;not null"`
	ClientID    string  `gorm:"column:client_id;size:64;not null;index:idx_favorite_places_client"`
	TagName     string  `gorm:"column:tag_name;size:120;not null"`
	Latitude    float64 `gorm:"column:lat;not null"`
	Longitude   float64 `gorm:"column:lon;not null"`
	TimestampMs int64   `gorm:"column:timestamp_ms;not null"`
	Active      bool    `gorm:"column:active;not null"`
}

// TableName exposes the table backing favorite places.
func (FavoritePlace) TableName() string {
	return "client_favorite_places"
}

// PlaceStoreConfig describes the dependencies of the favorite place store.
type PlaceStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// PlaceStore persists the favorite places of each client.
type PlaceStore struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewPlaceStore constructs a PlaceStore.
func NewPlaceStore(cfg PlaceStoreConfig) (*PlaceStore, error) {
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
	return &PlaceStore{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Add stores a new active place for the client, stamped with the server clock.
func (s *PlaceStore) Add(ctx context.Context, clientID string, place FavoritePlace) (FavoritePlace, error) {
	tagName, err := validatePlace(place)
	if err != nil {
		return FavoritePlace{}, err
	}
	placeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddFavoritePlace, "id_generation_failed", err, clientID)
		return FavoritePlace{}, apperr.New(opAddFavoritePlace, "id_generation_failed", err)
	}
	place.ID = placeID
	place.ClientID = clientID
	place.TagName = tagName
	place.Active = true
	place.TimestampMs = s.now().UTC().UnixMilli()
	if err := s.db.WithContext(ctx).Create(&place).Error; err != nil {
		s.logError(opAddFavoritePlace, "insert_failed", err, clientID)
		return FavoritePlace{}, apperr.New(opAddFavoritePlace, "insert_failed", err)
	}
	return place, nil
}

// Update overwrites the tag, coordinates and active flag of a place the client owns.
func (s *PlaceStore) Update(ctx context.Context, clientID, placeID string, place FavoritePlace) (FavoritePlace, error) {
	tagName, err := validatePlace(place)
	if err != nil {
		return FavoritePlace{}, err
	}
	result := s.db.WithContext(ctx).
		Model(&FavoritePlace{}).
		Where(queryPlaceOwner, placeID, clientID).
		Updates(map[string]interface{}{
			"tag_name":     tagName,
			"lat":          place.Latitude,
			"lon":          place.Longitude,
			"active":       place.Active,
			"timestamp_ms": s.now().UTC().UnixMilli(),
		})
	if result.Error != nil {
		s.logError(opUpdateFavoritePlace, "update_failed", result.Error, clientID)
		return FavoritePlace{}, apperr.New(opUpdateFavoritePlace, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return FavoritePlace{}, ErrFavoritePlaceNotFound
	}
	var updated FavoritePlace
	if err := s.db.WithContext(ctx).Where(queryPlaceOwner, placeID, clientID).Take(&updated).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return FavoritePlace{}, ErrFavoritePlaceNotFound
		}
		s.logError(opUpdateFavoritePlace, "query_failed", err, clientID)
		return FavoritePlace{}, apperr.New(opUpdateFavoritePlace, "query_failed", err)
	}
	return updated, nil
}

// Deactivate soft-deletes a place the client owns; the row is kept.
func (s *PlaceStore) Deactivate(ctx context.Context, clientID, placeID string) error {
	result := s.db.WithContext(ctx).
		Model(&FavoritePlace{}).
		Where(queryPlaceOwner, placeID, clientID).
		Updates(map[string]interface{}{
			"active":       false,
			"timestamp_ms": s.now().UTC().UnixMilli(),
		})
	if result.Error != nil {
		s.logError(opDeactivateFavoritePlace, "update_failed", result.Error, clientID)
		return apperr.New(opDeactivateFavoritePlace, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFavoritePlaceNotFound
	}
	return nil
}

// List returns every place row of the client, deactivated ones included, oldest first.
func (s *PlaceStore) List(ctx context.Context, clientID string) ([]FavoritePlace, error) {
	places := []FavoritePlace{}
	if err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("timestamp_ms ASC, favorite_place_id ASC").
		Find(&places).Error; err != nil {
		s.logError(opListFavoritePlaces, "query_failed", err, clientID)
		return nil, apperr.New(opListFavoritePlaces, "query_failed", err)
	}
	return places, nil
}

func validatePlace(place FavoritePlace) (string, error) {
	tagName := strings.TrimSpace(place.TagName)
	if tagName == "" || len(tagName) > maxTagNameLength {
		return "", ErrInvalidFavoritePlace
	}
	if place.Latitude < -90 || place.Latitude > 90 || place.Longitude < -180 || place.Longitude > 180 {
		return "", ErrInvalidFavoritePlace
	}
	return tagName, nil
}

func (s *PlaceStore) logError(operation, reason string, err error, clientID string) {
	s.logger.Error("favorite place store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("client_id", clientID),
		zap.Error(err))
}
