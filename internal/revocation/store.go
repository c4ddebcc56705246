// Package revocation tracks tokens that must no longer be accepted,
// independent of their expiry. Entries are insert-only and durable: a
// revoked token stays rejected across restarts until cleanup observes
// that the token would have expired anyway.
package revocation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"uplicense/internal/infrastructure"
	"uplicense/internal/store"
)

// Entry records one revoked token.
type Entry struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
	// TokenExpiresAt, when known, lets cleanup drop the entry once the
	// token would be rejected by the expiry check alone.
	TokenExpiresAt *int64 `json:"token_expires_at,omitempty"`
}

// Store is the durable revocation set. A single mutex covers index and
// snapshot write, which makes Revoke/IsRevoked linearizable per jti: two
// concurrent revocations of the same jti produce exactly one entry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	path    string
	now     func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the revoked-at clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads (or creates) the revocation snapshot at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		entries:  make(map[string]Entry),
		path:     path,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := store.Load(path, &s.entries); err != nil {
		return nil, err
	}
	return s, nil
}

// Revoke inserts a revocation entry for jti. Idempotent: revoking an
// already-revoked token is a no-op, and the original entry (first
// revoked-at, first reason) is kept.
func (s *Store) Revoke(ctx context.Context, jti, userID, reason string, tokenExpiresAt *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[jti]; exists {
		return nil
	}
	s.entries[jti] = Entry{
		JTI:            jti,
		UserID:         userID,
		RevokedAt:      s.now(),
		Reason:         reason,
		TokenExpiresAt: tokenExpiresAt,
	}
	if err := store.Save(ctx, s.path, s.entries); err != nil {
		// Roll the index back so a failed persist cannot leave memory
		// and disk disagreeing after restart.
		delete(s.entries, jti)
		return err
	}

	infrastructure.LoggerWithContext(ctx).InfoContext(ctx, "token revoked",
		slog.String("jti", jti),
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
	return nil
}

// IsRevoked reports whether jti is on the revocation list. Safe to call
// concurrently with Revoke.
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, revoked := s.entries[jti]
	return revoked, nil
}

// Cleanup removes entries whose originating token has expired: the
// expiry check alone rejects those tokens now, so the entry only costs
// memory. Returns the number of entries pruned.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Unix()
	removed := 0
	for jti, e := range s.entries {
		if e.TokenExpiresAt != nil && *e.TokenExpiresAt < cutoff {
			delete(s.entries, jti)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, store.Save(ctx, s.path, s.entries)
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// List returns a copy of all live entries, for the revocation-list
// endpoint offline clients poll.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// StartCleanup runs Cleanup on a ticker until Stop is called.
func (s *Store) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				removed, err := s.Cleanup(ctx, s.now())
				if err != nil {
					infrastructure.GetLogger().Warn("revocation cleanup failed",
						slog.String("error", err.Error()))
				} else if removed > 0 {
					infrastructure.GetLogger().Info("revocation cleanup pruned expired entries",
						slog.Int("removed", removed))
				}
				cancel()
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop halts the cleanup loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
