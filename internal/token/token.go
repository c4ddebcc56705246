// Package token implements the entitlement token lifecycle: payload
// shape, canonical serialization, issuance, verification, and the ledger
// of outstanding tokens that device removal uses to revoke access.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "uplicense/internal/errors"
)

// Plan is a named subscription tier. The tier determines feature set,
// device cap, token lifetime, and request budget.
type Plan string

const (
	PlanTrial     Plan = "trial"
	PlanMonthly   Plan = "monthly"
	PlanYearly    Plan = "yearly"
	PlanPerpetual Plan = "perpetual"
)

// ParsePlan maps a wire string to a known plan.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(strings.ToLower(s)) {
	case PlanTrial:
		return PlanTrial, true
	case PlanMonthly:
		return PlanMonthly, true
	case PlanYearly:
		return PlanYearly, true
	case PlanPerpetual:
		return PlanPerpetual, true
	}
	return "", false
}

// Claims is the entitlement token payload. Field order here IS the
// canonical serialization: signing and verification both marshal this
// struct, so the two sides can never disagree on byte layout. Any field
// change after signing invalidates the signature.
type Claims struct {
	UserID    string   `json:"user_id"`
	ProductID string   `json:"product_id"`
	Plan      Plan     `json:"plan"`
	Features  []string `json:"features"`
	DeviceID  *string  `json:"device_id"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt *int64   `json:"expires_at"`
	Nonce     string   `json:"nonce"`
	JTI       string   `json:"jti"`
}

// Canonical returns the exact bytes that are signed: the claims JSON with
// the signature field absent and a nil feature set normalized to [].
func (c Claims) Canonical() ([]byte, error) {
	if c.Features == nil {
		c.Features = []string{}
	}
	return json.Marshal(c)
}

// Bound reports whether the token is pinned to a device.
func (c Claims) Bound() bool {
	return c.DeviceID != nil && *c.DeviceID != ""
}

// Signed is a Claims payload plus its detached signature, the unit that
// travels over the wire.
type Signed struct {
	Claims
	Sig string `json:"sig"`
}

// Encode serializes the signed token for transport as a bearer
// credential: base64url over the token JSON, no padding.
func (s *Signed) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a bearer credential produced by Encode. Malformed input
// is InvalidSignature: a token we cannot even parse carries no verified
// fields.
func Decode(raw string) (*Signed, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidSignature, "token is not valid base64url", err)
	}
	var s Signed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidSignature, "token is not valid JSON", err)
	}
	return &s, nil
}
