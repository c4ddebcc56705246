package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"time"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/infrastructure"
	"uplicense/internal/keystore"
)

// RevocationChecker is the read side of the revocation store. An error
// return means "could not check", which is distinct from "checked and
// revoked" and surfaces as StorageUnavailable.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier validates presented tokens. Checks run in a fixed order:
// signature, expiry, revocation, device binding. The signature check must
// come first; no payload field is trusted until the signature over the
// canonical serialization holds.
type Verifier struct {
	keys        *keystore.Manager
	revocations RevocationChecker
	now         func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock replaces the expiry clock.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier against the given keystore and
// revocation store.
func NewVerifier(keys *keystore.Manager, revocations RevocationChecker, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:        keys,
		revocations: revocations,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates signature, expiry, revocation, and device binding, in
// that order, and returns the now-trusted payload. presentingDeviceID may
// be empty; a device-bound token then fails with DeviceMismatch. The only
// side effect is the revocation read.
func (v *Verifier) Verify(ctx context.Context, signed *Signed, presentingDeviceID string) (*Claims, error) {
	logger := infrastructure.LoggerWithContext(ctx)

	pub := v.keys.PublicKey()
	if pub == nil {
		return nil, apperrors.E(apperrors.KindSigning, "keystore not initialized")
	}

	if err := verifySignature(pub, signed); err != nil {
		logger.WarnContext(ctx, "token signature rejected",
			slog.String("jti", signed.JTI),
			slog.String("user_id", signed.UserID),
		)
		return nil, err
	}

	// Fields are trusted from here on.
	claims := signed.Claims

	if claims.ExpiresAt != nil && v.now().Unix() > *claims.ExpiresAt {
		return nil, apperrors.E(apperrors.KindExpired, "token has expired")
	}

	revoked, err := v.revocations.IsRevoked(ctx, claims.JTI)
	if err != nil {
		// Could not check is not "checked and invalid". Deny access,
		// but with the transient kind so the client retries.
		return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, "revocation check failed", err)
	}
	if revoked {
		logger.InfoContext(ctx, "revoked token presented",
			slog.String("jti", claims.JTI),
			slog.String("user_id", claims.UserID),
		)
		return nil, apperrors.E(apperrors.KindRevoked, "token has been revoked")
	}

	if claims.Bound() && presentingDeviceID != *claims.DeviceID {
		return nil, apperrors.E(apperrors.KindDeviceMismatch, "token is bound to a different device")
	}

	return &claims, nil
}

func verifySignature(pub *ecdsa.PublicKey, signed *Signed) error {
	sig, err := base64.StdEncoding.DecodeString(signed.Sig)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalidSignature, "signature is not valid base64", err)
	}
	canonical, err := signed.Claims.Canonical()
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalidSignature, "serialize payload", err)
	}
	digest := sha256.Sum256(canonical)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return apperrors.E(apperrors.KindInvalidSignature, "signature does not match payload")
	}
	return nil
}
