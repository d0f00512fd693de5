package clients

import (
	"errors"
	"strings"
	"time"
)

// RoleClient is the only role granted to self-registered clients.
const RoleClient = "CLIENT"

const maxIdentityLength = 320

var (
	// ErrInvalidIdentity indicates the identity was empty or exceeded storage bounds.
	ErrInvalidIdentity = errors.New("clients: invalid identity")
	// ErrClientNotFound indicates no client record matched the lookup.
	ErrClientNotFound = errors.New("clients: client not found")
	// ErrClientDisabled indicates the client exists but has been disabled.
	ErrClientDisabled = errors.New("clients: client disabled")
	// ErrClientMismatch indicates a path identifier disagreed with the authenticated client.
	ErrClientMismatch = errors.New("clients: client mismatch")
)

// Client is the directory record for a tracked device owner.
type Client struct {
	ID                 string    `gorm:"column:client_id;primaryKey;size:64;not null"`
	Identity           string    `gorm:"column:identity;size:320;not null;uniqueIndex"`
	PushToken          string    `gorm:"column:push_token;size:512;not null"`
	Enabled            bool      `gorm:"column:enabled;not null"`
	Roles              string    `gorm:"column:roles;size:190;not null"`
	LatestDeviceInfoID string    `gorm:"column:latest_device_info_id;size:64;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing client records.
func (Client) TableName() string {
	return "clients"
}

// RoleList splits the stored comma separated roles.
func (c Client) RoleList() []string {
	if strings.TrimSpace(c.Roles) == "" {
		return nil
	}
	parts := strings.Split(c.Roles, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}

// DeviceInfo is a single location/status sample reported by a client device.
type DeviceInfo struct {
	ID          string  `gorm:"column:device_info_id;primaryKey;size:64;not null"`
	ClientID    string  `gorm:"column:client_id;size:64;not null;index:idx_device_info_client_time,priority:1"`
	Latitude    float64 `gorm:"column:lat;not null"`
	Longitude   float64 `gorm:"column:lon;not null"`
	Altitude    float64 `gorm:"column:altitude;not null"`
	Accuracy    float64 `gorm:"column:accuracy;not null"`
	Speed       float64 `gorm:"column:speed;not null"`
	Bearing     float64 `gorm:"column:bearing;not null"`
	Provider    string  `gorm:"column:provider;size:64;not null"`
	Battery     int     `gorm:"column:battery;not null"`
	TimestampMs int64   `gorm:"column:timestamp_ms;not null;index:idx_device_info_client_time,priority:2"`
}

// TableName exposes the table backing device info samples.
func (DeviceInfo) TableName() string {
	return "client_device_infos"
}

func normalizeIdentity(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > maxIdentityLength {
		return "", ErrInvalidIdentity
	}
	return strings.ToLower(trimmed), nil
}
