// Package ratelimit enforces sliding-window request limits keyed by client
// IP and authenticated username. Configuration can be swapped at runtime
// without a restart; windows may live in memory or in Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config is the active limit. MaxRequests 0 rejects everything. Burst
// allows short excursions above MaxRequests inside a single window.
type Config struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window_seconds"`
	Burst       int           `json:"burst"`
}

// limit is the effective per-window cap.
func (c Config) limit() int {
	return c.MaxRequests + c.Burst
}

// Store keeps the sliding windows. Implementations must be safe for
// concurrent use.
type Store interface {
	// Allow records one hit for key and reports whether it fits inside
	// limit hits per window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Clear drops the window for key.
	Clear(ctx context.Context, key string) error
}

// Limiter applies the current Config to client and user keys.
type Limiter struct {
	mu    sync.RWMutex
	cfg   Config
	store Store
}

// New creates a limiter over the given store.
func New(cfg Config, store Store) *Limiter {
	return &Limiter{cfg: cfg, store: store}
}

// AllowClient checks the per-IP window.
func (l *Limiter) AllowClient(ctx context.Context, ip string) (bool, error) {
	return l.allow(ctx, "client:"+ip)
}

// AllowUser checks the per-username window.
func (l *Limiter) AllowUser(ctx context.Context, username string) (bool, error) {
	return l.allow(ctx, "user:"+username)
}

func (l *Limiter) allow(ctx context.Context, key string) (bool, error) {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()

	if cfg.MaxRequests <= 0 {
		return false, nil
	}
	ok, err := l.store.Allow(ctx, key, cfg.limit(), cfg.Window)
	if err != nil {
		// Fail open on store errors so a limiter outage cannot take the
		// gateway down with it.
		return true, err
	}
	return ok, nil
}

// Reconfigure swaps the active limits. Existing windows are kept; the new
// cap applies from the next check.
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// Snapshot returns the active configuration.
func (l *Limiter) Snapshot() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// ClearClient resets the window for one client IP.
func (l *Limiter) ClearClient(ctx context.Context, ip string) error {
	return l.store.Clear(ctx, "client:"+ip)
}

// ClearUser resets the window for one username.
func (l *Limiter) ClearUser(ctx context.Context, username string) error {
	return l.store.Clear(ctx, "user:"+username)
}

// MemoryStore keeps hit timestamps per key, pruned on every check.
type MemoryStore struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	clock func() time.Time
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hits:  make(map[string][]time.Time),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Allow implements Store.
func (s *MemoryStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	cutoff := now.Add(-window)

	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		s.hits[key] = kept
		return false, nil
	}
	s.hits[key] = append(kept, now)
	return true, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.hits, key)
	s.mu.Unlock()
	return nil
}
