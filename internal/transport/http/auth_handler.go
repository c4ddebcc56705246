// Package http holds the HTTP transport layer: request/response shapes,
// chi routes, and the wiring from wire payloads to the service layer.
package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"uplicense/internal/devices"
	apperrors "uplicense/internal/errors"
	"uplicense/internal/middleware"
	"uplicense/internal/services"
	"uplicense/internal/token"
)

var validate = validator.New()

// AuthHandler serves login, magic-link, and refresh endpoints.
type AuthHandler struct {
	entitlements *services.EntitlementService
	magicLinks   *services.MagicLinkService
	logger       *slog.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(entitlements *services.EntitlementService, magicLinks *services.MagicLinkService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		entitlements: entitlements,
		magicLinks:   magicLinks,
		logger:       logger.With(slog.String("handler", "auth")),
	}
}

// LoginRequest carries the identity asserted by the IdP gateway in front
// of this service, plus the optional device to bind the token to.
type LoginRequest struct {
	UserID     string   `json:"user_id" validate:"required"`
	Plan       string   `json:"plan" validate:"required"`
	Features   []string `json:"features"`
	DeviceID   string   `json:"device_id"`
	DeviceName string   `json:"device_name"`
}

// Bind implements render.Binder.
func (req *LoginRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if _, ok := token.ParsePlan(req.Plan); !ok {
		return errors.New("plan must be one of trial, monthly, yearly, perpetual")
	}
	if req.DeviceID != "" && !devices.ValidDeviceID(req.DeviceID) {
		return errors.New("device_id does not match the expected format")
	}
	return nil
}

// TokenResponse carries an issued entitlement token.
type TokenResponse struct {
	Token     string   `json:"token"`
	Plan      string   `json:"plan"`
	Features  []string `json:"features"`
	ExpiresAt *int64   `json:"expires_at"`
	IssuedAt  int64    `json:"issued_at"`
}

func tokenResponse(result *services.IssueResult) *TokenResponse {
	return &TokenResponse{
		Token:     result.Encoded,
		Plan:      string(result.Token.Plan),
		Features:  result.Token.Features,
		ExpiresAt: result.Token.ExpiresAt,
		IssuedAt:  result.Token.IssuedAt,
	}
}

// Login exchanges an asserted identity for an entitlement token,
// registering the presented device first.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req := &LoginRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error()))
		return
	}

	plan, _ := token.ParsePlan(req.Plan)
	result, err := h.entitlements.IssueToken(r.Context(), services.IssueInput{
		UserID:     req.UserID,
		Plan:       plan,
		Features:   req.Features,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
	})
	if err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, tokenResponse(result))
}

// MagicLinkRequestBody asks for a single-use login code for an address.
type MagicLinkRequestBody struct {
	Email    string   `json:"email" validate:"required,email"`
	UserID   string   `json:"user_id" validate:"required"`
	Plan     string   `json:"plan" validate:"required"`
	Features []string `json:"features"`
}

// Bind implements render.Binder.
func (req *MagicLinkRequestBody) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if _, ok := token.ParsePlan(req.Plan); !ok {
		return errors.New("plan must be one of trial, monthly, yearly, perpetual")
	}
	return nil
}

// MagicLinkRequest generates a single-use code. The code goes out via
// the delivery channel, never in the response body.
func (h *AuthHandler) MagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	req := &MagicLinkRequestBody{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error()))
		return
	}

	plan, _ := token.ParsePlan(req.Plan)
	code, err := h.magicLinks.RequestCode(r.Context(), req.Email, services.IssueInput{
		UserID:   req.UserID,
		Plan:     plan,
		Features: req.Features,
	})
	if err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}
	h.deliverCode(r, req.Email, code)

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "code sent"})
}

// deliverCode hands the code to the delivery channel. Stdout-level debug
// logging stands in for a mail integration, which lives outside this
// service.
func (h *AuthHandler) deliverCode(r *http.Request, email, code string) {
	h.logger.DebugContext(r.Context(), "magic link code ready for delivery",
		slog.String("email", email),
		slog.String("code", code),
	)
}

// MagicLinkVerifyBody redeems a login code.
type MagicLinkVerifyBody struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required"`
}

// Bind implements render.Binder.
func (req *MagicLinkVerifyBody) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// MagicLinkVerify redeems a code for an entitlement token.
func (h *AuthHandler) MagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	req := &MagicLinkVerifyBody{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error()))
		return
	}

	result, err := h.magicLinks.VerifyCode(r.Context(), req.Email, req.Code)
	if err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, tokenResponse(result))
}

// Refresh re-issues the gate-verified token with a fresh expiry.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		render.Render(w, r, apperrors.Response(
			apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
		return
	}

	in := services.IssueInput{
		UserID:   claims.UserID,
		Plan:     claims.Plan,
		Features: claims.Features,
	}
	if claims.Bound() {
		in.DeviceID = *claims.DeviceID
	}
	result, err := h.entitlements.IssueToken(r.Context(), in)
	if err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, tokenResponse(result))
}

// Routes mounts the public auth endpoints. Refresh is mounted by the
// router under the entitlement gate.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	r.Post("/magic-link/request", h.MagicLinkRequest)
	r.Post("/magic-link/verify", h.MagicLinkVerify)
	return r
}
