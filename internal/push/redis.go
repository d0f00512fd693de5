package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisQueue is the list an external push worker drains.
const DefaultRedisQueue = "celltracker:push:outbox"

var errMissingRedisClient = errors.New("push: redis client required")

type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisConfig describes the redis outbox gateway.
type RedisConfig struct {
	Client redis.UniversalClient
	Queue  string
	Clock  func() time.Time
	Logger *zap.Logger
}

// RedisGateway enqueues notifications onto a redis list for an out-of-process sender.
type RedisGateway struct {
	client listPusher
	queue  string
	clock  func() time.Time
	logger *zap.Logger
}

// Envelope is the JSON document pushed onto the outbox list.
type Envelope struct {
	MessageID  string   `json:"messageId"`
	Tokens     []string `json:"tokens"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Tag        string   `json:"tag"`
	TTLSeconds int64    `json:"ttlSeconds"`
	Data       Data     `json:"data"`
	EnqueuedAt int64    `json:"enqueuedAt"`
}

// NewRedisGateway validates cfg and applies defaults.
func NewRedisGateway(cfg RedisConfig) (*RedisGateway, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	return newRedisGateway(cfg.Client, cfg.Queue, cfg.Clock, cfg.Logger), nil
}

// NewRedisClient parses redisURL and verifies the connection, like the store setup does.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("push: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("push: ping redis: %w", err)
	}
	return client, nil
}

func newRedisGateway(client listPusher, queue string, clock func() time.Time, logger *zap.Logger) *RedisGateway {
	if strings.TrimSpace(queue) == "" {
		queue = DefaultRedisQueue
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGateway{client: client, queue: queue, clock: clock, logger: logger}
}

// Send enqueues one envelope holding every token. Enqueued tokens report success.
func (g *RedisGateway) Send(ctx context.Context, notification Notification) (Result, error) {
	if len(notification.Tokens) == 0 {
		return Result{}, nil
	}
	envelope := Envelope{
		MessageID:  notification.MessageID,
		Tokens:     notification.Tokens,
		Title:      notification.Title,
		Body:       notification.Body,
		Tag:        notification.Tag,
		TTLSeconds: int64(notification.TTL / time.Second),
		Data:       notification.Data,
		EnqueuedAt: g.clock().UTC().UnixMilli(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, fmt.Errorf("push: encode envelope: %w", err)
	}
	if err := g.client.RPush(ctx, g.queue, payload).Err(); err != nil {
		g.logger.Error("push outbox enqueue failed",
			zap.String("queue", g.queue),
			zap.String("message_id", notification.MessageID),
			zap.Error(err))
		return Result{}, fmt.Errorf("push: enqueue: %w", err)
	}
	result := Result{Recipients: make([]RecipientResult, 0, len(notification.Tokens))}
	for _, token := range notification.Tokens {
		result.Recipients = append(result.Recipients, RecipientResult{Token: token})
	}
	return result, nil
}
