// Package messaging authorizes outgoing messages, resolves their recipients and hands them to the push dispatcher.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/push"
	"go.uber.org/zap"
)

const (
	opRouterNew   = "messaging.router.new"
	opSendMessage = "messaging.send_message"
)

var errMissingDependency = errors.New("dependency is required")

// ClientReader resolves client records.
type ClientReader interface {
	GetByID(ctx context.Context, clientID string) (clients.Client, error)
	GetByIDs(ctx context.Context, clientIDs []string) ([]clients.Client, error)
}

// LocationRecorder stores the sender's device sample.
type LocationRecorder interface {
	Save(ctx context.Context, clientID string, info clients.DeviceInfo) (clients.DeviceInfo, error)
}

// MembershipDirectory reads circles and their membership rows.
type MembershipDirectory interface {
	FindByID(ctx context.Context, circleID string) (circles.Circle, error)
	FindMembershipsByCircle(ctx context.Context, circleID string) ([]circles.Membership, error)
}

// MessageWriter persists new messages.
type MessageWriter interface {
	Create(ctx context.Context, message *Message) error
}

// Scheduler accepts notifications for asynchronous delivery.
type Scheduler interface {
	Dispatch(notification push.Notification) (<-chan Completion, error)
}

// RouterObserver receives accepted message events.
type RouterObserver interface {
	MessageAccepted(scope string, recipients int)
}

type noopRouterObserver struct{}

func (noopRouterObserver) MessageAccepted(string, int) {}

// RouterConfig describes the collaborators of the message router.
type RouterConfig struct {
	Clients     ClientReader
	Locations   LocationRecorder
	Memberships MembershipDirectory
	Messages    MessageWriter
	Scheduler   Scheduler
	IDProvider  ids.Provider
	Clock       func() time.Time
	Logger      *zap.Logger
	Observer    RouterObserver
}

// Router authorizes and fans out messages.
type Router struct {
	clients     ClientReader
	locations   LocationRecorder
	memberships MembershipDirectory
	messages    MessageWriter
	scheduler   Scheduler
	idProvider  ids.Provider
	clock       func() time.Time
	logger      *zap.Logger
	observer    RouterObserver
}

// OutgoingMessage is a message as submitted by its sender.
type OutgoingMessage struct {
	ToCircleID string
	ToClientID string
	Type       Type
	Scope      Scope
	Body       string
	DeviceInfo clients.DeviceInfo
}

// SendResult describes an accepted message. Completion is nil for reserved scopes.
type SendResult struct {
	MessageID  string
	Recipients int
	Reserved   bool
	Completion <-chan Completion
}

// NewRouter validates cfg and applies defaults.
func NewRouter(cfg RouterConfig) (*Router, error) {
	switch {
	case cfg.Clients == nil:
		return nil, apperr.New(opRouterNew, "missing_client_reader", errMissingDependency)
	case cfg.Locations == nil:
		return nil, apperr.New(opRouterNew, "missing_location_recorder", errMissingDependency)
	case cfg.Memberships == nil:
		return nil, apperr.New(opRouterNew, "missing_membership_directory", errMissingDependency)
	case cfg.Messages == nil:
		return nil, apperr.New(opRouterNew, "missing_message_writer", errMissingDependency)
	case cfg.Scheduler == nil:
		return nil, apperr.New(opRouterNew, "missing_scheduler", errMissingDependency)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopRouterObserver{}
	}
	return &Router{
		clients:     cfg.Clients,
		locations:   cfg.Locations,
		memberships: cfg.Memberships,
		messages:    cfg.Messages,
		scheduler:   cfg.Scheduler,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		observer:    observer,
	}, nil
}

// SendMessage records the sender's device sample, stores the message and schedules its dispatch.
// It returns once dispatch is scheduled; the stored message is marked sent by the dispatcher.
func (r *Router) SendMessage(ctx context.Context, fromClientID string, outgoing OutgoingMessage) (SendResult, error) {
	scope, err := ParseScope(string(outgoing.Scope))
	if err != nil {
		return SendResult{}, err
	}
	messageType, err := ParseType(string(outgoing.Type))
	if err != nil {
		return SendResult{}, err
	}
	if len(outgoing.Body) > maxBodyLength {
		return SendResult{}, ErrBodyTooLong
	}

	snapshot, err := r.locations.Save(ctx, fromClientID, outgoing.DeviceInfo)
	if err != nil {
		r.logError(opSendMessage, "device_info_save_failed", err, zap.String("client_id", fromClientID))
		return SendResult{}, err
	}

	messageID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opSendMessage, "id_generation_failed", err)
		return SendResult{}, apperr.New(opSendMessage, "id_generation_failed", err)
	}
	message := Message{
		ID:           messageID,
		FromClientID: fromClientID,
		ToCircleID:   outgoing.ToCircleID,
		ToClientID:   outgoing.ToClientID,
		Type:         messageType,
		Scope:        scope,
		Body:         outgoing.Body,
		DeviceInfoID: snapshot.ID,
		Sent:         false,
		CreatedAt:    r.clock().UTC(),
	}
	if err := r.messages.Create(ctx, &message); err != nil {
		r.logError(opSendMessage, "message_insert_failed", err, zap.String("client_id", fromClientID))
		return SendResult{}, err
	}

	var tokens []string
	switch scope {
	case ScopeUnicast:
		tokens, err = r.unicastRecipients(ctx, message)
	case ScopeCircle:
		tokens, err = r.circleRecipients(ctx, message)
	case ScopeBroadcast:
		r.observer.MessageAccepted(string(scope), 0)
		r.logger.Info("broadcast scope is reserved; message stored without dispatch",
			zap.String("message_id", message.ID),
			zap.String("client_id", fromClientID))
		return SendResult{MessageID: message.ID, Reserved: true}, nil
	}
	if err != nil {
		return SendResult{}, err
	}

	notification := push.NewNotification(
		message.ID,
		string(message.Type),
		message.Body,
		message.FromClientID,
		toSnapshot(snapshot),
		tokens,
	)
	completion, err := r.scheduler.Dispatch(notification)
	if err != nil {
		r.logError(opSendMessage, "dispatch_schedule_failed", err, zap.String("message_id", message.ID))
		return SendResult{}, apperr.New(opSendMessage, "dispatch_schedule_failed", err)
	}
	r.observer.MessageAccepted(string(scope), len(notification.Tokens))
	return SendResult{
		MessageID:  message.ID,
		Recipients: len(notification.Tokens),
		Completion: completion,
	}, nil
}

func (r *Router) unicastRecipients(ctx context.Context, message Message) ([]string, error) {
	memberships, err := r.circleMemberships(ctx, message.ToCircleID)
	if err != nil {
		return nil, err
	}
	target, err := r.clients.GetByID(ctx, message.ToClientID)
	if errors.Is(err, clients.ErrClientNotFound) {
		return nil, fmt.Errorf("%w: %s", circles.ErrMemberNotFound, message.ToClientID)
	}
	if err != nil {
		return nil, err
	}
	if !isActive(memberships, message.FromClientID) || !isActive(memberships, target.ID) {
		return nil, fmt.Errorf("%w: %s", circles.ErrMemberNotFound, message.ToClientID)
	}
	return []string{target.PushToken}, nil
}

func (r *Router) circleRecipients(ctx context.Context, message Message) ([]string, error) {
	memberships, err := r.circleMemberships(ctx, message.ToCircleID)
	if err != nil {
		return nil, err
	}
	if !isActive(memberships, message.FromClientID) {
		return nil, fmt.Errorf("%w: %s", circles.ErrMemberNotFound, message.FromClientID)
	}
	recipientIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		if membership.IsInCircle && membership.ClientID != message.FromClientID {
			recipientIDs = append(recipientIDs, membership.ClientID)
		}
	}
	if len(recipientIDs) == 0 {
		return nil, nil
	}
	recipients, err := r.clients.GetByIDs(ctx, recipientIDs)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		tokens = append(tokens, recipient.PushToken)
	}
	return tokens, nil
}

func (r *Router) circleMemberships(ctx context.Context, circleID string) ([]circles.Membership, error) {
	if circleID == "" {
		return nil, circles.ErrCircleNotFound
	}
	if _, err := r.memberships.FindByID(ctx, circleID); err != nil {
		return nil, err
	}
	return r.memberships.FindMembershipsByCircle(ctx, circleID)
}

func (r *Router) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	r.logger.Error("message router error", attrs...)
}

func isActive(memberships []circles.Membership, clientID string) bool {
	for _, membership := range memberships {
		if membership.ClientID == clientID && membership.IsInCircle {
			return true
		}
	}
	return false
}

func toSnapshot(info clients.DeviceInfo) *push.DeviceSnapshot {
	return &push.DeviceSnapshot{
		Latitude:    info.Latitude,
		Longitude:   info.Longitude,
		Altitude:    info.Altitude,
		Accuracy:    info.Accuracy,
		Speed:       info.Speed,
		Bearing:     info.Bearing,
		Provider:    info.Provider,
		Battery:     info.Battery,
		TimestampMs: info.TimestampMs,
	}
}
