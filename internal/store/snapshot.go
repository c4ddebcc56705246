// Package store provides the durable snapshot persistence shared by the
// revocation store, the device binding store, and the token ledger. Each
// store keeps its working set in memory and writes the full set to a JSON
// file on every mutation; the write is atomic (temp file + rename) so a
// crash never leaves a truncated snapshot behind.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "uplicense/internal/errors"
)

const (
	// saveAttempts bounds the internal retries before a transient write
	// failure surfaces as StorageUnavailable.
	saveAttempts = 3
	retryBackoff = 50 * time.Millisecond
)

// Load reads a JSON snapshot into v. A missing file is not an error; the
// caller starts with an empty set. A present but unparseable file is a
// StorageUnavailable error so the caller never silently drops durable
// state.
func Load(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable,
			fmt.Sprintf("read snapshot %s", filepath.Base(path)), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable,
			fmt.Sprintf("parse snapshot %s", filepath.Base(path)), err)
	}
	return nil
}

// Save writes v as a JSON snapshot, atomically replacing any previous
// file. Transient failures are retried a bounded number of times before
// surfacing StorageUnavailable. The context deadline is honored between
// attempts.
func Save(ctx context.Context, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable,
			fmt.Sprintf("marshal snapshot %s", filepath.Base(path)), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable,
			fmt.Sprintf("create snapshot directory for %s", filepath.Base(path)), err)
	}

	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.KindStorageUnavailable,
				fmt.Sprintf("write snapshot %s", filepath.Base(path)), err)
		}
		if lastErr = writeAtomic(path, data); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.KindStorageUnavailable,
				fmt.Sprintf("write snapshot %s", filepath.Base(path)), ctx.Err())
		case <-time.After(retryBackoff):
		}
	}
	return apperrors.Wrap(apperrors.KindStorageUnavailable,
		fmt.Sprintf("write snapshot %s", filepath.Base(path)), lastErr)
}

// writeAtomic writes data to a sibling temp file and renames it over the
// target. Snapshots hold entitlement state, so permissions stay 0600.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
