// Package ratelimit implements the per-entitlement fixed-window request
// limiter. Counters live in memory only; a restart starts fresh windows,
// which is an accepted bound on enforcement, not a correctness bug.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"uplicense/internal/infrastructure"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Degraded marks a decision taken without an applicable limit, for
	// example an unrecognized plan. Such requests are admitted but
	// counted separately so the condition is visible in metrics.
	Degraded bool
}

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Limiter tracks request counts per key across fixed windows. The outer
// lock only guards the bucket map; each key has its own lock, so two
// entitlements never contend on the hot path.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*window

	windowSize time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the window clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with the given fixed window size.
func New(windowSize time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*window),
		windowSize: windowSize,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow admits or rejects one request for key under limit requests per
// window. A non-positive limit means no applicable limit is configured;
// the request is admitted and flagged Degraded rather than guessed at.
func (l *Limiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Degraded: true}
	}

	w := l.bucket(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if now.Sub(w.start) >= l.windowSize {
		w.start = now
		w.count = 0
	}

	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.start.Add(l.windowSize).Sub(now),
		}
	}
	w.count++
	return Decision{Allowed: true, Remaining: limit - w.count}
}

func (l *Limiter) bucket(key string) *window {
	l.mu.RLock()
	w, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.buckets[key]; ok {
		return w
	}
	w = &window{start: l.now()}
	l.buckets[key] = w
	return w
}

// Cleanup drops buckets whose window ended long enough ago that they
// carry no state worth keeping. Returns the number removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * l.windowSize)
	removed := 0
	for key, w := range l.buckets {
		w.mu.Lock()
		stale := w.start.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanup launches the periodic bucket sweep. Call Stop to end it.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := l.Cleanup(); removed > 0 {
					infrastructure.LoggerWithContext(ctx).DebugContext(ctx, "rate limit buckets swept",
						slog.Int("removed", removed),
					)
				}
			case <-l.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

// Keys reports the number of tracked buckets.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
