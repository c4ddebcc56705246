// Package services holds the business logic between the HTTP transport
// and the entitlement stores: issuing tokens on login, validating
// presented tokens, device registration, and revocation.
package services

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"uplicense/internal/config"
	"uplicense/internal/devices"
	apperrors "uplicense/internal/errors"
	"uplicense/internal/infrastructure"
	"uplicense/internal/ratelimit"
	"uplicense/internal/revocation"
	"uplicense/internal/token"
)

// IssueInput carries the identity asserted by the authentication step
// plus the optional device the client wants the token bound to.
type IssueInput struct {
	UserID     string
	Plan       token.Plan
	Features   []string
	DeviceID   string
	DeviceName string
}

// IssueResult is a signed token together with its transport encoding.
type IssueResult struct {
	Token   *token.Signed
	Encoded string
}

// StatusResult summarizes a valid token for the status endpoint.
type StatusResult struct {
	UserID    string   `json:"user_id"`
	Plan      string   `json:"plan"`
	Features  []string `json:"features"`
	DeviceID  *string  `json:"device_id"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt *int64   `json:"expires_at"`
	DaysLeft  *int     `json:"days_left"`
}

// EntitlementService wires the token, device, revocation, and rate limit
// components into the operations the HTTP layer exposes.
type EntitlementService struct {
	cfg         *config.Config
	issuer      *token.Issuer
	verifier    *token.Verifier
	ledger      *token.Ledger
	revocations *revocation.Store
	binder      *devices.Binder
	limiter     *ratelimit.Limiter
	metrics     *infrastructure.EntitlementMetrics
	now         func() time.Time
}

// NewEntitlementService assembles the service. metrics may be nil, for
// example in tests; counters are then skipped.
func NewEntitlementService(
	cfg *config.Config,
	issuer *token.Issuer,
	verifier *token.Verifier,
	ledger *token.Ledger,
	revocations *revocation.Store,
	binder *devices.Binder,
	limiter *ratelimit.Limiter,
	metrics *infrastructure.EntitlementMetrics,
) *EntitlementService {
	return &EntitlementService{
		cfg:         cfg,
		issuer:      issuer,
		verifier:    verifier,
		ledger:      ledger,
		revocations: revocations,
		binder:      binder,
		limiter:     limiter,
		metrics:     metrics,
		now:         time.Now,
	}
}

// IssueToken registers the device (when one is presented) and issues a
// signed entitlement token with the plan's TTL. The bind happens first so
// an over-cap device never receives a token.
func (s *EntitlementService) IssueToken(ctx context.Context, in IssueInput) (*IssueResult, error) {
	planCfg, ok := s.cfg.Plans.For(string(in.Plan))
	if !ok {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "unknown plan: "+string(in.Plan))
	}

	if in.DeviceID != "" {
		if err := s.binder.Bind(ctx, in.UserID, in.DeviceID, in.DeviceName, planCfg.DeviceCap); err != nil {
			s.countDeviceBinding(ctx, "rejected")
			return nil, err
		}
		s.countDeviceBinding(ctx, "bound")
	}

	signed, err := s.issuer.Issue(ctx, token.IssueRequest{
		UserID:    in.UserID,
		ProductID: s.cfg.ProductID,
		Plan:      in.Plan,
		Features:  in.Features,
		DeviceID:  in.DeviceID,
		TTL:       planCfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	encoded, err := signed.Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindSigning, "encode token", err)
	}

	if s.metrics != nil {
		s.metrics.TokensIssued.Add(ctx, 1, metric.WithAttributes(
			attribute.String("plan", string(in.Plan)),
		))
	}
	return &IssueResult{Token: signed, Encoded: encoded}, nil
}

// Validate decodes and verifies a bearer credential presented from the
// given device. On success the device's last-seen timestamp is refreshed;
// a refresh failure is logged, not surfaced, because the token itself is
// already proven valid.
func (s *EntitlementService) Validate(ctx context.Context, encoded, deviceID string) (*token.Claims, error) {
	signed, err := token.Decode(encoded)
	if err != nil {
		s.countVerification(ctx, err)
		return nil, err
	}

	claims, err := s.verifier.Verify(ctx, signed, deviceID)
	s.countVerification(ctx, err)
	if err != nil {
		return nil, err
	}

	if claims.Bound() {
		if err := s.binder.Touch(ctx, claims.UserID, *claims.DeviceID); err != nil {
			infrastructure.LoggerWithContext(ctx).WarnContext(ctx, "failed to refresh device last-seen",
				slog.String("user_id", claims.UserID),
				slog.String("device_id", *claims.DeviceID),
				slog.String("error", err.Error()),
			)
		}
	}
	return claims, nil
}

// Status verifies the credential and summarizes it.
func (s *EntitlementService) Status(ctx context.Context, encoded, deviceID string) (*StatusResult, error) {
	claims, err := s.Validate(ctx, encoded, deviceID)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		UserID:    claims.UserID,
		Plan:      string(claims.Plan),
		Features:  claims.Features,
		DeviceID:  claims.DeviceID,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}
	if claims.ExpiresAt != nil {
		days := int(time.Unix(*claims.ExpiresAt, 0).Sub(s.now()).Hours() / 24)
		if days < 0 {
			days = 0
		}
		result.DaysLeft = &days
	}
	return result, nil
}

// Refresh verifies the presented token and re-issues it with a fresh
// expiry, nonce, and jti. The old token stays valid until its own
// expiry; refresh extends access without invalidating in-flight use.
func (s *EntitlementService) Refresh(ctx context.Context, encoded, deviceID string) (*IssueResult, error) {
	claims, err := s.Validate(ctx, encoded, deviceID)
	if err != nil {
		return nil, err
	}

	in := IssueInput{
		UserID:   claims.UserID,
		Plan:     claims.Plan,
		Features: claims.Features,
	}
	if claims.Bound() {
		in.DeviceID = *claims.DeviceID
	}
	return s.IssueToken(ctx, in)
}

// RegisterDevice binds a device under the plan's cap without issuing a
// token.
func (s *EntitlementService) RegisterDevice(ctx context.Context, userID string, plan token.Plan, deviceID, deviceName string) error {
	planCfg, ok := s.cfg.Plans.For(string(plan))
	if !ok {
		return apperrors.E(apperrors.KindInvalidRequest, "unknown plan: "+string(plan))
	}
	err := s.binder.Bind(ctx, userID, deviceID, deviceName, planCfg.DeviceCap)
	if err != nil {
		s.countDeviceBinding(ctx, "rejected")
		return err
	}
	s.countDeviceBinding(ctx, "bound")
	return nil
}

// ListDevices returns the bindings for an entitlement, oldest first.
func (s *EntitlementService) ListDevices(ctx context.Context, userID string) []devices.BindingRecord {
	return s.binder.List(userID)
}

// RemoveDevice unbinds a device and revokes every outstanding ledger
// token bound to it. The revocations run after the unbind persists; a
// partial failure leaves the device unbound with some tokens still live,
// and the error tells the caller to retry the removal.
func (s *EntitlementService) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	removed, err := s.binder.Unbind(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !removed {
		return apperrors.E(apperrors.KindNotFound, "device is not registered")
	}
	s.countDeviceBinding(ctx, "unbound")

	for _, entry := range s.ledger.ForDevice(userID, deviceID) {
		if err := s.revocations.Revoke(ctx, entry.JTI, userID, "device removed", entry.ExpiresAt); err != nil {
			return err
		}
		s.countRevocation(ctx, "device_removed")
	}

	infrastructure.LoggerWithContext(ctx).InfoContext(ctx, "device removed and tokens revoked",
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
	)
	return nil
}

// Revoke marks a single token revoked by jti. The ledger supplies the
// token's expiry when known so cleanup can eventually drop the entry.
func (s *EntitlementService) Revoke(ctx context.Context, jti, userID, reason string) error {
	var tokenExpiresAt *int64
	if entry, ok := s.ledger.Entry(jti); ok {
		tokenExpiresAt = entry.ExpiresAt
		if userID == "" {
			userID = entry.UserID
		}
	}
	if err := s.revocations.Revoke(ctx, jti, userID, reason, tokenExpiresAt); err != nil {
		return err
	}
	s.countRevocation(ctx, "administrative")
	return nil
}

// RevocationList returns the currently revoked tokens for offline caches.
func (s *EntitlementService) RevocationList(ctx context.Context) []revocation.Entry {
	return s.revocations.List()
}

// AllowRequest runs the per-plan fixed-window admission check for one
// request. Unknown plans degrade open so a config gap never locks paying
// users out; the condition is counted and logged.
func (s *EntitlementService) AllowRequest(ctx context.Context, userID string, plan token.Plan) ratelimit.Decision {
	limit := 0
	if planCfg, ok := s.cfg.Plans.For(string(plan)); ok {
		limit = planCfg.RequestsPerWindow
	}

	decision := s.limiter.Allow(userID, limit)
	if decision.Degraded {
		infrastructure.LoggerWithContext(ctx).WarnContext(ctx, "rate limit degraded open for unknown plan",
			slog.String("user_id", userID),
			slog.String("plan", string(plan)),
		)
		if s.metrics != nil {
			s.metrics.RateLimitDegraded.Add(ctx, 1, metric.WithAttributes(
				attribute.String("plan", string(plan)),
			))
		}
	}
	if s.metrics != nil {
		outcome := "allowed"
		if !decision.Allowed {
			outcome = "limited"
		}
		s.metrics.RateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("plan", string(plan)),
			attribute.String("outcome", outcome),
		))
	}
	return decision
}

func (s *EntitlementService) countVerification(ctx context.Context, err error) {
	if s.metrics == nil {
		return
	}
	result := "valid"
	if err != nil {
		result = string(apperrors.KindOf(err))
	}
	s.metrics.TokensVerified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

func (s *EntitlementService) countRevocation(ctx context.Context, reason string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Revocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (s *EntitlementService) countDeviceBinding(ctx context.Context, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DeviceBindings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}
