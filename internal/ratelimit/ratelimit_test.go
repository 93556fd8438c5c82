package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditengine/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clk := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(clk.Now)
	ctx := context.Background()
	limit := Limit{Max: 3, Window: time.Hour}

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "gift:u1", limit)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	clk.Advance(20 * time.Minute)
	res, err := limiter.Allow(ctx, "gift:u1", limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 40*time.Minute, res.RetryAfter)

	other, err := limiter.Allow(ctx, "gift:u2", limit)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are counted separately")

	clk.Advance(40 * time.Minute)
	res, err = limiter.Allow(ctx, "gift:u1", limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a new window starts once the old one elapsed")
}

func TestMemoryLimiterPrune(t *testing.T) {
	clk := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(clk.Now)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "a", PerMinute(5))
	_, _ = limiter.Allow(ctx, "b", PerHour(5))

	assert.Equal(t, 0, limiter.Prune())
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, limiter.Prune())
	clk.Advance(time.Hour)
	assert.Equal(t, 1, limiter.Prune())
}

func TestCheckReportsFirstExhaustedLimit(t *testing.T) {
	clk := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(clk.Now)
	ctx := context.Background()

	hourly, daily := PerHour(2), PerDay(3)
	require.NoError(t, Check(ctx, limiter, "promo", "u1", hourly, daily))
	require.NoError(t, Check(ctx, limiter, "promo", "u1", hourly, daily))

	err := Check(ctx, limiter, "promo", "u1", hourly, daily)
	var rl *entity.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "promo", rl.Action)
	assert.Equal(t, time.Hour, rl.RetryAfter)

	clk.Advance(time.Hour)
	require.NoError(t, Check(ctx, limiter, "promo", "u1", hourly, daily))

	err = Check(ctx, limiter, "promo", "u1", hourly, daily)
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 23*time.Hour, rl.RetryAfter, "daily window is the binding one now")
}

func TestCheckRejectionDoesNotUseOtherWindows(t *testing.T) {
	clk := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(clk.Now)
	ctx := context.Background()

	hourly, daily := PerHour(5), PerDay(2)
	require.NoError(t, Check(ctx, limiter, "gift", "u1", hourly, daily))
	require.NoError(t, Check(ctx, limiter, "gift", "u1", hourly, daily))
	for i := 0; i < 3; i++ {
		err := Check(ctx, limiter, "gift", "u1", hourly, daily)
		var rl *entity.RateLimitError
		require.True(t, errors.As(err, &rl))
	}

	res, err := limiter.Peek(ctx, limitKey("gift", "u1", hourly), hourly)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Remaining, "rejected attempts are not counted in the hourly window")
}

func TestMemoryLimiterPeekDoesNotCount(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	ctx := context.Background()
	limit := PerMinute(1)

	for i := 0; i < 3; i++ {
		res, err := limiter.Peek(ctx, "k", limit)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := limiter.Allow(ctx, "k", limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = limiter.Peek(ctx, "k", limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCheckIgnoresDisabledLimits(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, Check(context.Background(), limiter, "use", "u1", Limit{Max: 0, Window: time.Minute}))
	}
	require.NoError(t, Check(context.Background(), nil, "use", "u1", PerMinute(1)))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	limit := PerHour(25)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Allow(context.Background(), "k", limit)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, allowed)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, int64(0), Seconds(0))
	assert.Equal(t, int64(1), Seconds(300*time.Millisecond))
	assert.Equal(t, int64(60), Seconds(time.Minute))
	assert.Equal(t, int64(61), Seconds(time.Minute+time.Millisecond))
}
