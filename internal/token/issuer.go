package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log/slog"
	"time"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/infrastructure"
	"uplicense/internal/keystore"
)

// nonceBytes gives each of nonce and jti 128 bits of independent entropy.
const nonceBytes = 16

// IssueRequest carries the payload fields for a new token. Nonce, jti and
// issued-at are always stamped by the issuer.
type IssueRequest struct {
	UserID    string
	ProductID string
	Plan      Plan
	Features  []string
	DeviceID  string        // empty = unbound
	TTL       time.Duration // zero = no expiry
}

// Issuer builds and signs entitlement tokens. The randomness source and
// clock are injectable so tests can pin them; production uses crypto/rand
// and the wall clock.
type Issuer struct {
	keys   *keystore.Manager
	ledger *Ledger
	rand   io.Reader
	now    func() time.Time
}

// IssuerOption customizes an Issuer.
type IssuerOption func(*Issuer)

// WithRand replaces the randomness source used for nonce and jti.
func WithRand(r io.Reader) IssuerOption {
	return func(i *Issuer) { i.rand = r }
}

// WithIssuerClock replaces the issued-at clock.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer backed by the given keystore. A nil ledger
// is allowed; issuance then leaves no record for device-removal
// revocation, which only external-verification setups want.
func NewIssuer(keys *keystore.Manager, ledger *Ledger, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		keys:   keys,
		ledger: ledger,
		rand:   rand.Reader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue stamps, signs, and records a new entitlement token. SigningError
// if the keystore is not initialized.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Signed, error) {
	priv, err := i.keys.PrivateKey()
	if err != nil {
		return nil, err
	}

	nonce, err := i.randomHex()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindSigning, "generate nonce", err)
	}
	jti, err := i.randomHex()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindSigning, "generate jti", err)
	}

	now := i.now().Unix()
	claims := Claims{
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Plan:      req.Plan,
		Features:  normalizeFeatures(req.Features),
		IssuedAt:  now,
		Nonce:     nonce,
		JTI:       jti,
	}
	if req.DeviceID != "" {
		deviceID := req.DeviceID
		claims.DeviceID = &deviceID
	}
	if req.TTL > 0 {
		expiresAt := now + int64(req.TTL/time.Second)
		claims.ExpiresAt = &expiresAt
	}

	sig, err := signClaims(priv, i.rand, claims)
	if err != nil {
		return nil, err
	}
	signed := &Signed{Claims: claims, Sig: sig}

	if i.ledger != nil {
		if err := i.ledger.Record(ctx, LedgerEntry{
			JTI:       claims.JTI,
			UserID:    claims.UserID,
			DeviceID:  req.DeviceID,
			IssuedAt:  claims.IssuedAt,
			ExpiresAt: claims.ExpiresAt,
		}); err != nil {
			return nil, err
		}
	}

	infrastructure.LoggerWithContext(ctx).InfoContext(ctx, "entitlement token issued",
		slog.String("user_id", claims.UserID),
		slog.String("plan", string(claims.Plan)),
		slog.String("jti", claims.JTI),
		slog.Bool("device_bound", claims.Bound()),
		slog.Bool("has_expiry", claims.ExpiresAt != nil),
	)
	return signed, nil
}

func (i *Issuer) randomHex() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func signClaims(priv *ecdsa.PrivateKey, rng io.Reader, claims Claims) (string, error) {
	canonical, err := claims.Canonical()
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindSigning, "serialize payload", err)
	}
	digest := sha256.Sum256(canonical)
	sig, err := ecdsa.SignASN1(rng, priv, digest[:])
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindSigning, "sign payload", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func normalizeFeatures(features []string) []string {
	if features == nil {
		return []string{}
	}
	return features
}
