package devices

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "uplicense/internal/errors"
)

func newTestBinder(t *testing.T) (*Binder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.json")
	binder, err := Open(path)
	require.NoError(t, err)
	return binder, path
}

func TestBinderCapBoundary(t *testing.T) {
	binder, _ := newTestBinder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := binder.Bind(ctx, "user-1", fmt.Sprintf("DEVICE_%016X", i), "laptop", 3)
		require.NoError(t, err)
	}
	require.Equal(t, 3, binder.Count("user-1"))

	err := binder.Bind(ctx, "user-1", "DEVICE_00000000000000FF", "extra", 3)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDeviceLimitExceeded, apperrors.KindOf(err))
	assert.Equal(t, 3, binder.Count("user-1"), "failed bind must not consume a slot")
}

func TestBinderRebindIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	path := filepath.Join(t.TempDir(), "devices.json")
	binder, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, binder.Bind(ctx, "user-1", "DEVICE_AAAAAAAAAAAAAAAA", "laptop", 1))

	// Re-binding the same device at cap succeeds and refreshes last-seen.
	now = now.Add(2 * time.Hour)
	require.NoError(t, binder.Bind(ctx, "user-1", "DEVICE_AAAAAAAAAAAAAAAA", "laptop-renamed", 1))

	records := binder.List("user-1")
	require.Len(t, records, 1)
	assert.Equal(t, "laptop-renamed", records[0].DeviceName)
	assert.Equal(t, now, records[0].LastSeen)
	assert.True(t, records[0].BoundAt.Before(records[0].LastSeen))
}

func TestBinderUnbindFreesSlot(t *testing.T) {
	binder, _ := newTestBinder(t)
	ctx := context.Background()

	require.NoError(t, binder.Bind(ctx, "user-1", "DEVICE_AAAAAAAAAAAAAAAA", "old", 1))
	require.Error(t, binder.Bind(ctx, "user-1", "DEVICE_BBBBBBBBBBBBBBBB", "new", 1))

	removed, err := binder.Unbind(ctx, "user-1", "DEVICE_AAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, binder.Bind(ctx, "user-1", "DEVICE_BBBBBBBBBBBBBBBB", "new", 1))
	assert.Equal(t, 1, binder.Count("user-1"))
}

func TestBinderUnbindUnknownDevice(t *testing.T) {
	binder, _ := newTestBinder(t)

	removed, err := binder.Unbind(context.Background(), "user-1", "DEVICE_AAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBinderSurvivesRestart(t *testing.T) {
	binder, path := newTestBinder(t)
	ctx := context.Background()

	require.NoError(t, binder.Bind(ctx, "user-1", "DEVICE_AAAAAAAAAAAAAAAA", "laptop", 3))
	require.NoError(t, binder.Bind(ctx, "user-2", "DEVICE_BBBBBBBBBBBBBBBB", "desktop", 3))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count("user-1"))
	assert.Equal(t, 1, reopened.Count("user-2"))

	records := reopened.List("user-1")
	require.Len(t, records, 1)
	assert.Equal(t, "DEVICE_AAAAAAAAAAAAAAAA", records[0].DeviceID)
	assert.Equal(t, "laptop", records[0].DeviceName)
}

func TestBinderConcurrentBindsNeverExceedCap(t *testing.T) {
	binder, _ := newTestBinder(t)
	ctx := context.Background()
	const cap = 3
	const attempts = 16

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = binder.Bind(ctx, "user-1", fmt.Sprintf("DEVICE_%016X", i), "device", cap)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, apperrors.KindDeviceLimitExceeded, apperrors.KindOf(err))
		}
	}
	assert.Equal(t, cap, succeeded)
	assert.Equal(t, cap, binder.Count("user-1"))
}

func TestBinderListOrderedByBindTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	path := filepath.Join(t.TempDir(), "devices.json")
	binder, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	for i, id := range []string{"DEVICE_CCCCCCCCCCCCCCCC", "DEVICE_AAAAAAAAAAAAAAAA", "DEVICE_BBBBBBBBBBBBBBBB"} {
		now = now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, binder.Bind(ctx, "user-1", id, "device", 5))
	}

	records := binder.List("user-1")
	require.Len(t, records, 3)
	assert.Equal(t, "DEVICE_CCCCCCCCCCCCCCCC", records[0].DeviceID)
	assert.Equal(t, "DEVICE_BBBBBBBBBBBBBBBB", records[2].DeviceID)
}

func TestDeriveDeviceID(t *testing.T) {
	id := DeriveDeviceID("machine-123", "My-Laptop", "windows")

	assert.True(t, ValidDeviceID(id), "derived id %q must match the device id format", id)
	assert.Equal(t, id, DeriveDeviceID("machine-123", "my-laptop ", "Windows"),
		"normalization must make derivation case and whitespace insensitive")
	assert.NotEqual(t, id, DeriveDeviceID("machine-456", "My-Laptop", "windows"))
}

func TestValidDeviceID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"derived format", "DEVICE_0123456789ABCDEF", true},
		{"lowercase hex", "DEVICE_0123456789abcdef", false},
		{"missing prefix", "0123456789ABCDEF", false},
		{"short hash", "DEVICE_0123456789ABCDE", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidDeviceID(tt.id))
		})
	}
}
