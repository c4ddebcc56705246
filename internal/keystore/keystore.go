// Package keystore owns the entitlement signing keypair. The keypair is
// loaded (or generated on first run) exactly once per process and is
// read-only afterwards, so Issuer and Verifier can share it without
// synchronization.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/infrastructure"
)

const (
	privateKeyFile = "entitlement_signing.pem"
	publicKeyFile  = "entitlement_signing.pub.pem"
)

// Manager loads or generates the P-256 signing keypair and hands out the
// halves. Initialize must complete before PrivateKey or PublicKey are
// usable.
type Manager struct {
	dir string

	once    sync.Once
	initErr error
	priv    *ecdsa.PrivateKey
}

// NewManager creates a manager rooted at the given key directory. No I/O
// happens until Initialize.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Initialize loads the persisted keypair, generating and persisting a
// fresh one on first run. Safe for concurrent callers; only the first
// performs the load. A present but unparseable private key is a
// KeyStoreError: regenerating over it would silently invalidate every
// outstanding token.
func (m *Manager) Initialize(ctx context.Context) error {
	m.once.Do(func() {
		m.initErr = m.load(ctx)
	})
	return m.initErr
}

func (m *Manager) load(ctx context.Context) error {
	logger := infrastructure.LoggerWithContext(ctx).With(slog.String("component", "keystore"))
	privPath := filepath.Join(m.dir, privateKeyFile)

	data, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		priv, err := parsePrivateKey(data)
		if err != nil {
			logger.ErrorContext(ctx, "signing key present but unreadable, refusing to regenerate",
				slog.String("path", privPath),
				slog.String("error", err.Error()),
			)
			return apperrors.Wrap(apperrors.KindKeyStore, "existing signing key is corrupt", err)
		}
		m.priv = priv
		logger.InfoContext(ctx, "signing keypair loaded",
			slog.String("path", privPath),
			slog.String("curve", priv.Curve.Params().Name),
		)
		// The public half is derivable; rewrite it if it went missing.
		pubPath := filepath.Join(m.dir, publicKeyFile)
		if _, statErr := os.Stat(pubPath); os.IsNotExist(statErr) {
			if werr := m.writePublicKey(pubPath); werr != nil {
				return werr
			}
			logger.WarnContext(ctx, "public key file was missing, rewrote from private half",
				slog.String("path", pubPath))
		}
		return nil

	case os.IsNotExist(err):
		return m.generate(ctx, logger, privPath)

	default:
		return apperrors.Wrap(apperrors.KindKeyStore, "read signing key", err)
	}
}

// generate creates a fresh P-256 pair and persists both halves before
// returning, so a crash between first run and first issue cannot orphan
// issued tokens.
func (m *Manager) generate(ctx context.Context, logger *slog.Logger, privPath string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return apperrors.Wrap(apperrors.KindKeyStore, "generate signing key", err)
	}

	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return apperrors.Wrap(apperrors.KindKeyStore, "create key directory", err)
	}

	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return apperrors.Wrap(apperrors.KindKeyStore, "encode private key", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0600); err != nil {
		return apperrors.Wrap(apperrors.KindKeyStore, "persist private key", err)
	}

	m.priv = priv
	if err := m.writePublicKey(filepath.Join(m.dir, publicKeyFile)); err != nil {
		return err
	}

	logger.InfoContext(ctx, "generated new signing keypair",
		slog.String("path", privPath),
		slog.String("curve", priv.Curve.Params().Name),
	)
	return nil
}

func (m *Manager) writePublicKey(path string) error {
	der, err := x509.MarshalPKIXPublicKey(&m.priv.PublicKey)
	if err != nil {
		return apperrors.Wrap(apperrors.KindKeyStore, "encode public key", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0644); err != nil {
		return apperrors.Wrap(apperrors.KindKeyStore, "persist public key", err)
	}
	return nil
}

func parsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signing key uses curve %s, want P-256", priv.Curve.Params().Name)
	}
	return priv, nil
}

// PrivateKey returns the signing half. SigningError before Initialize
// succeeded: issuing without a key is an ordering bug.
func (m *Manager) PrivateKey() (*ecdsa.PrivateKey, error) {
	if m.priv == nil {
		return nil, apperrors.E(apperrors.KindSigning, "keystore not initialized")
	}
	return m.priv, nil
}

// PublicKey returns the verifying half, or nil before initialization.
func (m *Manager) PublicKey() *ecdsa.PublicKey {
	if m.priv == nil {
		return nil
	}
	return &m.priv.PublicKey
}

// PublicKeyPEM returns the exportable PEM encoding of the public key for
// external verifiers.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	if m.priv == nil {
		return nil, apperrors.E(apperrors.KindSigning, "keystore not initialized")
	}
	der, err := x509.MarshalPKIXPublicKey(&m.priv.PublicKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindKeyStore, "encode public key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
