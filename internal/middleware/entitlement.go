package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/services"
	"uplicense/internal/token"
)

// claimsKey is the context key for the verified entitlement claims.
const claimsKey contextKey = "entitlement-claims"

// deviceHeader carries the presenting device's ID on protected calls.
const deviceHeader = "X-Device-ID"

// EntitlementGate verifies the bearer token on protected routes, then
// charges the request against the plan's window. Verification runs
// first: the window is keyed by user ID, which only a valid signature
// can assert.
type EntitlementGate struct {
	svc    *services.EntitlementService
	logger *slog.Logger
}

// NewEntitlementGate creates the gate middleware.
func NewEntitlementGate(svc *services.EntitlementService, logger *slog.Logger) *EntitlementGate {
	return &EntitlementGate{svc: svc, logger: logger}
}

// Handler implements the gate.
func (g *EntitlementGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		bearer := BearerToken(r)
		if bearer == "" {
			render.Render(w, r, apperrors.Response(
				apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
			return
		}

		claims, err := g.svc.Validate(ctx, bearer, r.Header.Get(deviceHeader))
		if err != nil {
			render.Render(w, r, apperrors.Response(err))
			return
		}

		decision := g.svc.AllowRequest(ctx, claims.UserID, claims.Plan)
		if !decision.Allowed {
			g.logger.WarnContext(ctx, "plan rate limit exceeded",
				"user_id", claims.UserID,
				"plan", string(claims.Plan),
				"path", r.URL.Path,
			)
			render.Render(w, r, apperrors.Response(apperrors.RateLimited(decision.RetryAfter)))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

// WithClaims stores verified claims on the context.
func WithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the verified claims placed by the gate, or
// nil on unprotected routes.
func ClaimsFromContext(ctx context.Context) *token.Claims {
	if claims, ok := ctx.Value(claimsKey).(*token.Claims); ok {
		return claims
	}
	return nil
}

// BearerToken extracts the credential from the Authorization header.
// Empty when the header is missing or carries another scheme.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
