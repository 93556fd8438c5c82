package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditengine/internal/config"
	"creditengine/lib/clock"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps fixed-window counters in Redis so every instance sees the same counts.
// Each window is a key that expires with the window.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    clock.Clock
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, now clock.Clock) *RedisLimiter {
	if now == nil {
		now = clock.System
	}
	return &RedisLimiter{client: client, prefix: prefix, now: now}
}

// NewRedisClient connects and pings the configured server.
func NewRedisClient(ctx context.Context, conf config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", conf.Host, conf.Port),
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *RedisLimiter) windowKey(key string, limit Limit, now time.Time) (string, time.Time) {
	start := now.Truncate(limit.Window)
	return fmt.Sprintf("%s%s:%d", r.prefix, key, start.Unix()), start
}

func (r *RedisLimiter) Peek(ctx context.Context, key string, limit Limit) (Result, error) {
	now := r.now()
	windowKey, start := r.windowKey(key, limit, now)

	count, err := r.client.Get(ctx, windowKey).Int()
	if errors.Is(err, redis.Nil) {
		return Result{Allowed: true, Remaining: limit.Max}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if count >= limit.Max {
		return Result{
			Allowed:    false,
			RetryAfter: start.Add(limit.Window).Sub(now),
		}, nil
	}
	return Result{Allowed: true, Remaining: limit.Max - count}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (Result, error) {
	now := r.now()
	windowKey, start := r.windowKey(key, limit, now)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.PExpire(ctx, windowKey, limit.Window)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	count := int(incr.Val())
	if count > limit.Max {
		return Result{
			Allowed:    false,
			RetryAfter: start.Add(limit.Window).Sub(now),
		}, nil
	}
	return Result{Allowed: true, Remaining: limit.Max - count}, nil
}

var _ Limiter = (*RedisLimiter)(nil)
var _ Limiter = (*MemoryLimiter)(nil)

// Close releases the client when the limiter owns it.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
