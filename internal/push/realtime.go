package push

import (
	"context"
	"sync"
	"time"
)

// Event is a notification delivered to one realtime subscriber.
type Event struct {
	MessageID string
	Title     string
	Body      string
	Tag       string
	Data      Data
	Timestamp time.Time
}

// RealtimeHub delivers notifications to in-process subscribers keyed by push token.
type RealtimeHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan Event
}

// NewRealtimeHub constructs an empty hub.
func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for token until ctx ends or the returned cleanup runs.
func (h *RealtimeHub) Subscribe(ctx context.Context, token string) (<-chan Event, func()) {
	if token == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     h.nextSequence(),
		stream: make(chan Event, h.bufferSize),
	}
	h.registerSubscriber(token, subscriber)
	cleanup := func() {
		h.unregisterSubscriber(token, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Send fans the notification out to every subscriber of each token. Tokens without a subscriber
// report NotRegistered; a subscriber whose buffer is full is skipped.
func (h *RealtimeHub) Send(_ context.Context, notification Notification) (Result, error) {
	event := Event{
		MessageID: notification.MessageID,
		Title:     notification.Title,
		Body:      notification.Body,
		Tag:       notification.Tag,
		Data:      notification.Data,
		Timestamp: h.clock().UTC(),
	}
	result := Result{Recipients: make([]RecipientResult, 0, len(notification.Tokens))}
	for _, token := range notification.Tokens {
		result.Recipients = append(result.Recipients, RecipientResult{
			Token:     token,
			ErrorCode: h.publish(token, event),
		})
	}
	return result, nil
}

// SubscriberCount reports how many streams are open for token.
func (h *RealtimeHub) SubscriberCount(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[token])
}

func (h *RealtimeHub) publish(token string, event Event) string {
	h.mu.RLock()
	subscribers := h.subscribers[token]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return ErrorCodeNotRegistered
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return ErrorCodeUnavailable
	}
	return ""
}

func (h *RealtimeHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *RealtimeHub) registerSubscriber(token string, subscriber *realtimeSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[token]; !ok {
		h.subscribers[token] = make(map[int64]*realtimeSubscriber)
	}
	h.subscribers[token][subscriber.id] = subscriber
}

func (h *RealtimeHub) unregisterSubscriber(token string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[token]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, token)
		}
	}
	h.mu.Unlock()
}
