package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/middleware"
	"uplicense/internal/services"
)

// LicenseHandler serves token validation, status, and revocation
// endpoints.
type LicenseHandler struct {
	service *services.EntitlementService
	logger  *slog.Logger
}

// NewLicenseHandler creates the license handler.
func NewLicenseHandler(service *services.EntitlementService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ValidateResponse confirms a valid token and echoes its trusted fields.
type ValidateResponse struct {
	Valid    bool     `json:"valid"`
	UserID   string   `json:"user_id"`
	Plan     string   `json:"plan"`
	Features []string `json:"features"`
	DeviceID *string  `json:"device_id"`
}

// Validate reports the result of verifying the presented token. The
// entitlement gate has already run the verification; reaching this
// handler means the token is valid.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		render.Render(w, r, apperrors.Response(
			apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ValidateResponse{
		Valid:    true,
		UserID:   claims.UserID,
		Plan:     string(claims.Plan),
		Features: claims.Features,
		DeviceID: claims.DeviceID,
	})
}

// Status summarizes the verified token: plan, features, days left.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		render.Render(w, r, apperrors.Response(
			apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
		return
	}

	status, err := h.service.Status(r.Context(), middleware.BearerToken(r), r.Header.Get("X-Device-ID"))
	if err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, status)
}

// RevokeRequest marks a single token revoked by its jti.
type RevokeRequest struct {
	JTI    string `json:"jti" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

// Bind implements render.Binder.
func (req *RevokeRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Revoke adds a token to the revocation list.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		render.Render(w, r, apperrors.Response(
			apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
		return
	}

	req := &RevokeRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error()))
		return
	}

	if err := h.service.Revoke(r.Context(), req.JTI, claims.UserID, req.Reason); err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}

	h.logger.InfoContext(r.Context(), "token revoked via api",
		slog.String("jti", req.JTI),
		slog.String("user_id", claims.UserID),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "revoked"})
}

// RevocationListResponse is the CRL-style payload for offline caches.
type RevocationListResponse struct {
	Revoked []RevokedTokenEntry `json:"revoked"`
}

// RevokedTokenEntry is one revoked token in the list.
type RevokedTokenEntry struct {
	JTI       string `json:"jti"`
	RevokedAt int64  `json:"revoked_at"`
	Reason    string `json:"reason"`
}

// RevocationList returns the currently revoked jtis. Public: offline
// caches refresh it without presenting a token.
func (h *LicenseHandler) RevocationList(w http.ResponseWriter, r *http.Request) {
	entries := h.service.RevocationList(r.Context())

	out := RevocationListResponse{Revoked: make([]RevokedTokenEntry, 0, len(entries))}
	for _, e := range entries {
		out.Revoked = append(out.Revoked, RevokedTokenEntry{
			JTI:       e.JTI,
			RevokedAt: e.RevokedAt.Unix(),
			Reason:    e.Reason,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, out)
}
