package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/push"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultDispatchTimeout bounds one gateway call.
	DefaultDispatchTimeout = 10 * time.Second
	// DefaultMaxInFlight bounds concurrent gateway calls.
	DefaultMaxInFlight = 64

	markSentTimeout = 5 * time.Second
)

// Dispatch outcomes reported to the observer.
const (
	OutcomeDelivered = "delivered"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeEmpty     = "empty"
)

var (
	// ErrDispatcherClosed indicates the dispatcher is shutting down.
	ErrDispatcherClosed = errors.New("messaging: dispatcher closed")

	errMissingGateway    = errors.New("messaging: push gateway required")
	errMissingSentMarker = errors.New("messaging: sent marker required")
)

// SentMarker records dispatch completion on the stored message.
type SentMarker interface {
	MarkSent(ctx context.Context, messageID string, sentAt time.Time) error
}

// DispatchObserver receives dispatch outcomes.
type DispatchObserver interface {
	DispatchCompleted(outcome string, duration time.Duration)
	RecipientFailed(errorCode string)
}

type noopDispatchObserver struct{}

func (noopDispatchObserver) DispatchCompleted(string, time.Duration) {}
func (noopDispatchObserver) RecipientFailed(string) {}

// Completion is delivered once per dispatch after the message has been marked sent.
type Completion struct {
	MessageID string
	Outcome   string
	Result    push.Result
	SendErr   error
	MarkErr   error
}

// DispatcherConfig describes the dispatcher collaborators.
type DispatcherConfig struct {
	Gateway     push.Gateway
	Messages    SentMarker
	Clock       func() time.Time
	Timeout     time.Duration
	MaxInFlight int64
	Logger      *zap.Logger
	Observer    DispatchObserver
}

// Dispatcher runs push sends off the request path and marks each message sent when its send returns.
type Dispatcher struct {
	gateway  push.Gateway
	messages SentMarker
	clock    func() time.Time
	timeout  time.Duration
	slots    *semaphore.Weighted
	logger   *zap.Logger
	observer DispatchObserver

	mu       sync.Mutex
	closed   bool
	inFlight sync.WaitGroup
}

// NewDispatcher validates cfg and applies defaults.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Messages == nil {
		return nil, errMissingSentMarker
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopDispatchObserver{}
	}
	return &Dispatcher{
		gateway:  cfg.Gateway,
		messages: cfg.Messages,
		clock:    clock,
		timeout:  timeout,
		slots:    semaphore.NewWeighted(maxInFlight),
		logger:   logger,
		observer: observer,
	}, nil
}

// Dispatch schedules the send and returns immediately. The returned channel yields exactly one Completion.
func (d *Dispatcher) Dispatch(notification push.Notification) (<-chan Completion, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.inFlight.Add(1)
	d.mu.Unlock()

	done := make(chan Completion, 1)
	go func() {
		defer d.inFlight.Done()
		done <- d.run(notification)
		close(done)
	}()
	return done, nil
}

// Wait blocks until every scheduled dispatch has completed.
func (d *Dispatcher) Wait() {
	d.inFlight.Wait()
}

// Shutdown stops accepting dispatches and waits for in-flight ones until ctx ends.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(notification push.Notification) Completion {
	started := d.clock()
	completion := Completion{MessageID: notification.MessageID, Outcome: OutcomeEmpty}

	if len(notification.Tokens) > 0 {
		// Background never fails the acquire.
		_ = d.slots.Acquire(context.Background(), 1)
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		result, err := d.gateway.Send(ctx, notification)
		cancel()
		d.slots.Release(1)

		completion.Result = result
		completion.SendErr = err
		completion.Outcome = classify(result, err)
		if err != nil {
			d.logger.Error("push dispatch failed",
				zap.String("message_id", notification.MessageID),
				zap.Int("recipients", len(notification.Tokens)),
				zap.Error(err))
		}
		for _, failure := range result.Failures() {
			d.observer.RecipientFailed(failure.ErrorCode)
			d.logger.Warn("push recipient failed",
				zap.String("message_id", notification.MessageID),
				zap.String("error_code", failure.ErrorCode))
		}
	}

	markCtx, cancel := context.WithTimeout(context.Background(), markSentTimeout)
	defer cancel()
	if err := d.messages.MarkSent(markCtx, notification.MessageID, d.clock()); err != nil {
		completion.MarkErr = err
		d.logger.Error("failed to mark message sent",
			zap.String("message_id", notification.MessageID),
			zap.Error(err))
	}
	d.observer.DispatchCompleted(completion.Outcome, d.clock().Sub(started))
	return completion
}

func classify(result push.Result, err error) string {
	if err != nil {
		return OutcomeFailed
	}
	failures := len(result.Failures())
	switch {
	case failures == 0:
		return OutcomeDelivered
	case failures < len(result.Recipients):
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}
