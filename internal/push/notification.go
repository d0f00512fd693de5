// Package push delivers message notifications to client devices.
package push

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultTitle is the notification title shown on devices.
	DefaultTitle = "Cell Tracker notification"
	// DefaultTag groups notifications on the device.
	DefaultTag = "CellTracker"
	// DefaultTTL is how long the provider keeps an undelivered notification.
	DefaultTTL = time.Hour
)

// Error codes reported per recipient.
const (
	ErrorCodeNotRegistered = "NotRegistered"
	ErrorCodeUnavailable   = "Unavailable"
	ErrorCodeMissingResult = "MissingResult"
)

// ErrGatewayClosed indicates the gateway no longer accepts notifications.
var ErrGatewayClosed = errors.New("push: gateway closed")

// DeviceSnapshot is the sender's device state carried with a notification.
type DeviceSnapshot struct {
	Latitude    float64 `json:"lat"`
	Longitude   float64 `json:"lon"`
	Altitude    float64 `json:"altitude"`
	Accuracy    float64 `json:"accuracy"`
	Speed       float64 `json:"speed"`
	Bearing     float64 `json:"bearing"`
	Provider    string  `json:"provider"`
	Battery     int     `json:"battery"`
	TimestampMs int64   `json:"timestamp"`
}

// Data is the application payload delivered alongside the visible notification.
type Data struct {
	MessageType  string          `json:"messageType"`
	Message      string          `json:"message"`
	FromClientID string          `json:"fromClientId"`
	DeviceInfo   *DeviceSnapshot `json:"deviceInfo,omitempty"`
}

// Notification is a single message fanned out to a set of device tokens.
type Notification struct {
	MessageID string
	Title     string
	Body      string
	Tag       string
	TTL       time.Duration
	Data      Data
	Tokens    []string
}

// NewNotification builds the standard notification for a message of messageType.
func NewNotification(messageID, messageType, message, fromClientID string, device *DeviceSnapshot, tokens []string) Notification {
	return Notification{
		MessageID: messageID,
		Title:     DefaultTitle,
		Body:      DefaultTitle + ": " + messageType,
		Tag:       DefaultTag,
		TTL:       DefaultTTL,
		Data: Data{
			MessageType:  messageType,
			Message:      message,
			FromClientID: fromClientID,
			DeviceInfo:   device,
		},
		Tokens: compactTokens(tokens),
	}
}

// RecipientResult is the outcome for one token; ErrorCode is empty on success.
type RecipientResult struct {
	Token     string
	ErrorCode string
}

// Result collects the per-recipient outcomes of a send.
type Result struct {
	Recipients []RecipientResult
}

// Failures returns the recipients that reported an error code.
func (r Result) Failures() []RecipientResult {
	var failures []RecipientResult
	for _, recipient := range r.Recipients {
		if recipient.ErrorCode != "" {
			failures = append(failures, recipient)
		}
	}
	return failures
}

// Gateway performs the transport-level send of a notification.
type Gateway interface {
	Send(ctx context.Context, notification Notification) (Result, error)
}

func compactTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	compacted := make([]string, 0, len(tokens))
	for _, token := range tokens {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		compacted = append(compacted, trimmed)
	}
	return compacted
}
