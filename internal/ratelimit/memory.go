package ratelimit

import (
	"context"
	"sync"
	"time"

	"creditengine/lib/clock"
)

type window struct {
	count int
	start time.Time
	span  time.Duration
}

// MemoryLimiter keeps fixed-window counters in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     clock.Clock
}

func NewMemoryLimiter(now clock.Clock) *MemoryLimiter {
	if now == nil {
		now = clock.System
	}
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit Limit) (Result, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= limit.Window {
		w = &window{start: now, span: limit.Window}
		m.windows[key] = w
	}
	if w.count >= limit.Max {
		return Result{
			Allowed:    false,
			RetryAfter: w.start.Add(limit.Window).Sub(now),
		}, nil
	}
	w.count++
	return Result{Allowed: true, Remaining: limit.Max - w.count}, nil
}

func (m *MemoryLimiter) Peek(_ context.Context, key string, limit Limit) (Result, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= limit.Window {
		return Result{Allowed: true, Remaining: limit.Max}, nil
	}
	if w.count >= limit.Max {
		return Result{
			Allowed:    false,
			RetryAfter: w.start.Add(limit.Window).Sub(now),
		}, nil
	}
	return Result{Allowed: true, Remaining: limit.Max - w.count}, nil
}

// Prune drops windows that have elapsed and returns how many were removed.
func (m *MemoryLimiter) Prune() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		if now.Sub(w.start) >= w.span {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Run prunes on every tick until ctx is done.
func (m *MemoryLimiter) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}
