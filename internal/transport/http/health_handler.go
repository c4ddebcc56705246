package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"uplicense/internal/infrastructure"
	"uplicense/internal/keystore"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	keys    *keystore.Manager
	logger  *slog.Logger
	started time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(keys *keystore.Manager, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		keys:    keys,
		logger:  logger.With(slog.String("handler", "health")),
		started: time.Now(),
	}
}

// HealthCheck handles GET /api/health. The service is healthy when the
// signing key is available; without it no token can be issued or
// verified.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if h.keys.PublicKey() == nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	render.Status(r, code)
	render.JSON(w, r, map[string]any{
		"status":  status,
		"service": infrastructure.ServiceName,
		"version": infrastructure.ServiceVersion,
		"uptime":  time.Since(h.started).String(),
	})
}

// Version handles GET /api/version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"service": infrastructure.ServiceName,
		"version": infrastructure.ServiceVersion,
	})
}

// PublicKey handles GET /api/license/public-key: the verifying half in
// PEM, for external verifiers.
func (h *HealthHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := h.keys.PublicKeyPEM()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to export public key",
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(pem)
}
