package token

import (
	"context"
	"sync"
	"time"

	"uplicense/internal/store"
)

// LedgerEntry records one issued token: enough to find every outstanding
// token bound to a device when that device is removed, and to prune
// entries once their token has expired anyway.
type LedgerEntry struct {
	JTI       string `json:"jti"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// Ledger is the durable index of issued tokens, keyed by jti. It survives
// restarts so device removal can revoke tokens issued by a previous
// process.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]LedgerEntry
	path    string
}

// OpenLedger loads (or creates) the ledger snapshot at path.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{
		entries: make(map[string]LedgerEntry),
		path:    path,
	}
	if err := store.Load(path, &l.entries); err != nil {
		return nil, err
	}
	return l, nil
}

// Record inserts one issued token and persists the snapshot.
func (l *Ledger) Record(ctx context.Context, e LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.JTI] = e
	return store.Save(ctx, l.path, l.entries)
}

// Entry returns the ledger record for a jti, if known.
func (l *Ledger) Entry(jti string) (LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[jti]
	return e, ok
}

// ForDevice returns every recorded token bound to the given device under
// the given user's entitlement.
func (l *Ledger) ForDevice(userID, deviceID string) []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []LedgerEntry
	for _, e := range l.entries {
		if e.UserID == userID && e.DeviceID == deviceID && e.DeviceID != "" {
			out = append(out, e)
		}
	}
	return out
}

// Prune drops entries whose token expiry has passed and persists the
// shrunken snapshot. Returns the number of entries removed. Entries
// without expiry are kept until explicitly revoked and cleaned.
func (l *Ledger) Prune(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Unix()
	removed := 0
	for jti, e := range l.entries {
		if e.ExpiresAt != nil && *e.ExpiresAt < cutoff {
			delete(l.entries, jti)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, store.Save(ctx, l.path, l.entries)
}

// Len reports the number of live entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
