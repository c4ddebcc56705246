package keystore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "uplicense/internal/errors"
)

func TestInitializeGeneratesOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx))

	priv, err := m.PrivateKey()
	require.NoError(t, err)
	assert.Equal(t, "P-256", priv.Curve.Params().Name)

	// Both halves persisted before Initialize returned.
	for _, name := range []string{privateKeyFile, publicKeyFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}

	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestInitializeLoadsExistingKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := NewManager(dir)
	require.NoError(t, first.Initialize(ctx))
	firstPriv, err := first.PrivateKey()
	require.NoError(t, err)

	second := NewManager(dir)
	require.NoError(t, second.Initialize(ctx))
	secondPriv, err := second.PrivateKey()
	require.NoError(t, err)

	assert.True(t, firstPriv.Equal(secondPriv), "restart must load the same key, not regenerate")
}

func TestInitializeCorruptKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, privateKeyFile)
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN GARBAGE-----\nnope\n-----END GARBAGE-----\n"), 0600))

	m := NewManager(dir)
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindKeyStore, apperrors.KindOf(err))

	// The corrupt file must remain untouched; regenerating would
	// invalidate every outstanding token.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "GARBAGE")
}

func TestInitializeConcurrentSingleLoad(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Initialize(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}
	priv, err := m.PrivateKey()
	require.NoError(t, err)
	assert.NotNil(t, priv)
}

func TestPrivateKeyBeforeInitialize(t *testing.T) {
	m := NewManager(t.TempDir())

	_, err := m.PrivateKey()
	require.Error(t, err)
	assert.Equal(t, apperrors.KindSigning, apperrors.KindOf(err))

	assert.Nil(t, m.PublicKey())
}

func TestPublicKeyPEM(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.Initialize(context.Background()))

	pemBytes, err := m.PublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, string(pemBytes), "BEGIN PUBLIC KEY")
}

func TestRewritesMissingPublicKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	require.NoError(t, NewManager(dir).Initialize(ctx))
	require.NoError(t, os.Remove(filepath.Join(dir, publicKeyFile)))

	require.NoError(t, NewManager(dir).Initialize(ctx))
	_, err := os.Stat(filepath.Join(dir, publicKeyFile))
	assert.NoError(t, err)
}
