package messaging

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scope selects the fan-out target of a message.
type Scope string

const (
	// ScopeUnicast targets one client in a shared circle.
	ScopeUnicast Scope = "UNICAST"
	// ScopeCircle targets every other active member of a circle.
	ScopeCircle Scope = "CIRCLE"
	// ScopeBroadcast is reserved; messages are stored but never dispatched.
	ScopeBroadcast Scope = "BROADCAST"
)

// Type classifies message content for the receiving device.
type Type string

const (
	TypeHelpAlert     Type = "HELPALERT"
	TypeLocationQuery Type = "LOCATIONQUERY"
	TypeReachedHome   Type = "REACHEDHOME"
	TypeReachedOffice Type = "REACHEDOFFICE"
	TypeIM            Type = "IM"
	TypeCustom        Type = "CUSTOM"
)

const maxBodyLength = 4096

var (
	// ErrInvalidScope indicates an unknown message scope.
	ErrInvalidScope = errors.New("messaging: invalid scope")
	// ErrInvalidType indicates an unknown message type.
	ErrInvalidType = errors.New("messaging: invalid message type")
	// ErrBodyTooLong indicates a message body beyond storage bounds.
	ErrBodyTooLong = errors.New("messaging: message body too long")
	// ErrMessageNotFound indicates no stored message matched the id.
	ErrMessageNotFound = errors.New("messaging: message not found")
)

// ParseScope validates a raw scope name.
func ParseScope(raw string) (Scope, error) {
	switch scope := Scope(strings.ToUpper(strings.TrimSpace(raw))); scope {
	case ScopeUnicast, ScopeCircle, ScopeBroadcast:
		return scope, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
}

// ParseType validates a raw message type name.
func ParseType(raw string) (Type, error) {
	switch messageType := Type(strings.ToUpper(strings.TrimSpace(raw))); messageType {
	case TypeHelpAlert, TypeLocationQuery, TypeReachedHome, TypeReachedOffice, TypeIM, TypeCustom:
		return messageType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, raw)
	}
}

// Message is a stored outgoing message. Sent flips once the dispatch completes.
type Message struct {
	ID           string     `gorm:"column:message_id;primaryKey;size:64;not null"`
	FromClientID string     `gorm:"column:from_client_id;size:64;not null;index:idx_messages_sender"`
	ToCircleID   string     `gorm:"column:to_circle_id;size:255;not null"`
	ToClientID   string     `gorm:"column:to_client_id;size:64;not null"`
	Type         Type       `gorm:"column:message_type;size:32;not null"`
	Scope        Scope      `gorm:"column:scope;size:16;not null"`
	Body         string     `gorm:"column:body;type:text;not null"`
	DeviceInfoID string     `gorm:"column:device_info_id;size:64;not null"`
	Sent         bool       `gorm:"column:sent;not null"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	SentAt       *time.Time `gorm:"column:sent_at"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}
