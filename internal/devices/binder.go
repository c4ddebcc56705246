// Package devices enforces the entitlement-to-device cardinality cap and
// owns the durable binding records. All cap decisions happen under one
// store lock so a concurrent burst of bind calls can never overshoot the
// cap together.
package devices

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/infrastructure"
	"uplicense/internal/store"
)

// BindingRecord associates one device with one entitlement.
type BindingRecord struct {
	EntitlementID string    `json:"entitlement_id"`
	DeviceID      string    `json:"device_id"`
	DeviceName    string    `json:"device_name"`
	BoundAt       time.Time `json:"bound_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Binder is the durable device binding store. The single mutex makes the
// cap check and the insert one atomic unit: of two racing binds for the
// last slot, exactly one wins and the other gets DeviceLimitExceeded.
type Binder struct {
	mu       sync.Mutex
	bindings map[string]map[string]BindingRecord // entitlement -> device -> record
	path     string
	now      func() time.Time
}

// Option customizes a Binder.
type Option func(*Binder)

// WithClock replaces the binding clock.
func WithClock(now func() time.Time) Option {
	return func(b *Binder) { b.now = now }
}

// Open loads (or creates) the binding snapshot at path.
func Open(path string, opts ...Option) (*Binder, error) {
	b := &Binder{
		bindings: make(map[string]map[string]BindingRecord),
		path:     path,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := store.Load(path, &b.bindings); err != nil {
		return nil, err
	}
	return b, nil
}

// Bind registers a device under an entitlement. Re-binding an already
// bound device refreshes last-seen and does not consume a slot. A new
// device beyond cap fails with DeviceLimitExceeded; the oldest binding
// is never silently evicted.
func (b *Binder) Bind(ctx context.Context, entitlementID, deviceID, deviceName string, cap int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	devices := b.bindings[entitlementID]

	if existing, bound := devices[deviceID]; bound {
		existing.LastSeen = now
		if deviceName != "" {
			existing.DeviceName = deviceName
		}
		devices[deviceID] = existing
		return store.Save(ctx, b.path, b.bindings)
	}

	if len(devices) >= cap {
		infrastructure.LoggerWithContext(ctx).WarnContext(ctx, "device bind rejected at plan cap",
			slog.String("entitlement_id", entitlementID),
			slog.String("device_id", deviceID),
			slog.Int("bound_devices", len(devices)),
			slog.Int("device_cap", cap),
		)
		return apperrors.E(apperrors.KindDeviceLimitExceeded, "device limit reached for plan")
	}

	if devices == nil {
		devices = make(map[string]BindingRecord)
		b.bindings[entitlementID] = devices
	}
	devices[deviceID] = BindingRecord{
		EntitlementID: entitlementID,
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		BoundAt:       now,
		LastSeen:      now,
	}
	if err := store.Save(ctx, b.path, b.bindings); err != nil {
		delete(devices, deviceID)
		return err
	}

	infrastructure.LoggerWithContext(ctx).InfoContext(ctx, "device bound",
		slog.String("entitlement_id", entitlementID),
		slog.String("device_id", deviceID),
		slog.Int("bound_devices", len(devices)),
		slog.Int("device_cap", cap),
	)
	return nil
}

// Unbind removes a binding, freeing its slot. Returns false when the
// device was not bound. Revoking the removed device's outstanding tokens
// is the service layer's job; the binder only owns the records.
func (b *Binder) Unbind(ctx context.Context, entitlementID, deviceID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	devices := b.bindings[entitlementID]
	record, bound := devices[deviceID]
	if !bound {
		return false, nil
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(b.bindings, entitlementID)
	}
	if err := store.Save(ctx, b.path, b.bindings); err != nil {
		if devices == nil {
			devices = make(map[string]BindingRecord)
			b.bindings[entitlementID] = devices
		}
		devices[deviceID] = record
		return false, err
	}

	infrastructure.LoggerWithContext(ctx).InfoContext(ctx, "device unbound",
		slog.String("entitlement_id", entitlementID),
		slog.String("device_id", deviceID),
	)
	return true, nil
}

// Touch refreshes last-seen for a bound device. Unknown devices are a
// no-op; validation traffic must not create bindings.
func (b *Binder) Touch(ctx context.Context, entitlementID, deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	devices := b.bindings[entitlementID]
	record, bound := devices[deviceID]
	if !bound {
		return nil
	}
	record.LastSeen = b.now()
	devices[deviceID] = record
	return store.Save(ctx, b.path, b.bindings)
}

// List returns the bindings for an entitlement, oldest first.
func (b *Binder) List(entitlementID string) []BindingRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	devices := b.bindings[entitlementID]
	out := make([]BindingRecord, 0, len(devices))
	for _, record := range devices {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoundAt.Before(out[j].BoundAt) })
	return out
}

// Count reports the number of distinct devices bound to an entitlement.
func (b *Binder) Count(entitlementID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings[entitlementID])
}
