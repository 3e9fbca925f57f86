package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/distrihub/hub/internal/config"
)

// RedisBus publishes events over Redis PUBLISH, the cross-process
// channel underneath the orchestration event stream, grounded on
// original_source's redis_publisher.py.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBus(cfg config.EventsConfig, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		PoolSize:    cfg.RedisPoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	return &RedisBus{client: client, logger: logger}
}

// Publish marshals payload to JSON and PUBLISHes it to topic. Errors are
// logged, never returned: EventBus publish is best-effort (spec.md §6).
func (b *RedisBus) Publish(ctx context.Context, topic string, payload interface{}) {
	body, err := json.Marshal(Event{Topic: topic, Timestamp: time.Now(), Data: payload})
	if err != nil {
		b.logger.WarnContext(ctx, "event marshal failed", "topic", topic, "error", err)
		return
	}
	if err := b.client.Publish(ctx, topic, body).Err(); err != nil {
		b.logger.WarnContext(ctx, "event publish failed", "topic", topic, "error", err)
	}
}

// Close releases the underlying Redis connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Client exposes the underlying connection so callers can build other
// Redis-backed components (e.g. RateLimiter) off the same pool.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

// RateLimiter gates a burst of identical log lines across hub replicas
// using a Redis-backed token count, per spec.md §5's "small process-local
// rate-limit on orchestration log output" — backed here by Redis so the
// limit survives process bounces and is shared across replicas.
type RateLimiter struct {
	client *redis.Client
	burst  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, burst int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, burst: int64(burst), window: window}
}

// Allow reports whether the caller may log under key this window, using
// INCR + EXPIRE the way the teacher's pkg/auth rate limiter does.
func (r *RateLimiter) Allow(ctx context.Context, key string) bool {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return true // fail open: a logging limiter must never block the tick
	}
	if count == 1 {
		r.client.Expire(ctx, key, r.window)
	}
	return count <= r.burst
}
