// Package ratelimit bounds how often a subject may repeat an action. Callers depend on the
// Limiter interface only; the in-memory backend serves a single instance and the Redis
// backend shares counters between instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"creditengine/entity"
)

// Limit allows Max actions per fixed Window.
type Limit struct {
	Max    int
	Window time.Duration
}

func PerMinute(n int) Limit { return Limit{Max: n, Window: time.Minute} }
func PerHour(n int) Limit   { return Limit{Max: n, Window: time.Hour} }
func PerDay(n int) Limit    { return Limit{Max: n, Window: 24 * time.Hour} }

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	// Allow counts one action under key and reports whether it fits in the window.
	Allow(ctx context.Context, key string, limit Limit) (Result, error)
	// Peek reports whether one more action would fit without counting it.
	Peek(ctx context.Context, key string, limit Limit) (Result, error)
}

// Key builds the counter key for a subject and action.
func Key(action, subject string) string {
	return action + ":" + subject
}

// Check applies every limit to the action and returns *entity.RateLimitError for the first
// exhausted one. All windows are peeked before any is counted, so an action rejected by
// one window does not use up another. Limits with Max <= 0 are ignored.
func Check(ctx context.Context, limiter Limiter, action, subject string, limits ...Limit) error {
	if limiter == nil {
		return nil
	}
	active := make([]Limit, 0, len(limits))
	for _, limit := range limits {
		if limit.Max > 0 && limit.Window > 0 {
			active = append(active, limit)
		}
	}
	for _, limit := range active {
		res, err := limiter.Peek(ctx, limitKey(action, subject, limit), limit)
		if err != nil {
			return fmt.Errorf("rate limit %s: %w", action, err)
		}
		if !res.Allowed {
			return &entity.RateLimitError{Action: action, RetryAfter: res.RetryAfter}
		}
	}
	for _, limit := range active {
		res, err := limiter.Allow(ctx, limitKey(action, subject, limit), limit)
		if err != nil {
			return fmt.Errorf("rate limit %s: %w", action, err)
		}
		if !res.Allowed {
			return &entity.RateLimitError{Action: action, RetryAfter: res.RetryAfter}
		}
	}
	return nil
}

func limitKey(action, subject string, limit Limit) string {
	return fmt.Sprintf("%s:%d", Key(action, subject), int64(limit.Window/time.Second))
}

// Seconds rounds d up to whole seconds, the unit of the Retry-After header.
func Seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
