package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"auditledger/internal/domain"
)

var ErrCapacityExceeded = errors.New("rate limiter capacity exceeded")

const defaultMaxKeys = 10000

// MemoryLimiter keeps fixed windows for a single ledgerd replica.
type MemoryLimiter struct {
	now     func() time.Time
	maxKeys int

	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	count int
	end   time.Time
}

type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) *MemoryLimiter {
	m := &MemoryLimiter{
		now:     cfg.Now,
		maxKeys: cfg.MaxKeys,
		windows: make(map[string]*memoryWindow),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxKeys <= 0 {
		m.maxKeys = defaultMaxKeys
	}
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return unlimited(limit), nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.current(key, now, window)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	// Denied requests stop counting once the window is over its limit.
	if w.count <= limit {
		w.count++
	}
	return decide(w.count, limit, w.end), nil
}

// current returns the live window for key, opening a new one when the old
// window has ended. Caller holds mu.
func (m *MemoryLimiter) current(key string, now time.Time, window time.Duration) (*memoryWindow, error) {
	if w, ok := m.windows[key]; ok && now.Before(w.end) {
		return w, nil
	}
	delete(m.windows, key)
	if len(m.windows) >= m.maxKeys {
		m.sweep(now)
		if len(m.windows) >= m.maxKeys {
			return nil, ErrCapacityExceeded
		}
	}
	w := &memoryWindow{end: now.Add(window)}
	m.windows[key] = w
	return w, nil
}

func (m *MemoryLimiter) sweep(now time.Time) {
	for key, w := range m.windows {
		if !now.Before(w.end) {
			delete(m.windows, key)
		}
	}
}

var _ domain.RateLimiter = (*MemoryLimiter)(nil)
