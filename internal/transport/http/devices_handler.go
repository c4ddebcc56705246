package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"uplicense/internal/devices"
	apperrors "uplicense/internal/errors"
	"uplicense/internal/middleware"
	"uplicense/internal/services"
)

// DevicesHandler serves device registration, listing, and removal.
type DevicesHandler struct {
	service *services.EntitlementService
	logger  *slog.Logger
}

// NewDevicesHandler creates the devices handler.
func NewDevicesHandler(service *services.EntitlementService, logger *slog.Logger) *DevicesHandler {
	return &DevicesHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "devices")),
	}
}

// RegisterDeviceRequest binds a device. The client either presents a
// pre-derived device_id or the raw hardware factors for the server to
// derive one from.
type RegisterDeviceRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	MachineID  string `json:"machine_id"`
	Hostname   string `json:"hostname"`
	SystemID   string `json:"system_id"`
}

// Bind implements render.Binder.
func (req *RegisterDeviceRequest) Bind(r *http.Request) error {
	if req.DeviceID == "" && req.MachineID == "" {
		return errors.New("either device_id or machine_id is required")
	}
	if req.DeviceID != "" && !devices.ValidDeviceID(req.DeviceID) {
		return errors.New("device_id does not match the expected format")
	}
	return nil
}

// resolvedID returns the device ID to bind, deriving it from hardware
// factors when the client did not pre-derive one.
func (req *RegisterDeviceRequest) resolvedID() string {
	if req.DeviceID != "" {
		return req.DeviceID
	}
	return devices.DeriveDeviceID(req.MachineID, req.Hostname, req.SystemID)
}

// DeviceResponse is one binding on the wire.
type DeviceResponse struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	BoundAt    int64  `json:"bound_at"`
	LastSeen   int64  `json:"last_seen"`
}

func deviceResponse(record devices.BindingRecord) DeviceResponse {
	return DeviceResponse{
		DeviceID:   record.DeviceID,
		DeviceName: record.DeviceName,
		BoundAt:    record.BoundAt.Unix(),
		LastSeen:   record.LastSeen.Unix(),
	}
}

// Register binds a device under the caller's entitlement.
func (h *DevicesHandler) Register(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		render.Render(w, r, apperrors.Response(
			apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
		return
	}

	req := &RegisterDeviceRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err.Error()))
		return
	}

	deviceID := req.resolvedID()
	if err := h.service.RegisterDevice(r.Context(), claims.UserID, claims.Plan, deviceID, req.DeviceName); err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{
		"status":    "registered",
		"device_id": deviceID,
	})
}

// List returns the caller's device bindings, oldest first.
func (h *DevicesHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		render.Render(w, r, apperrors.Response(
			apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
		return
	}

	records := h.service.ListDevices(r.Context(), claims.UserID)
	out := make([]DeviceResponse, 0, len(records))
	for _, record := range records {
		out = append(out, deviceResponse(record))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"devices": out})
}

// Delete unbinds a device and revokes its outstanding tokens.
func (h *DevicesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		render.Render(w, r, apperrors.Response(
			apperrors.E(apperrors.KindInvalidSignature, "missing bearer token")))
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	if !devices.ValidDeviceID(deviceID) {
		render.Render(w, r, apperrors.InvalidRequest("device id does not match the expected format"))
		return
	}

	if err := h.service.RemoveDevice(r.Context(), claims.UserID, deviceID); err != nil {
		render.Render(w, r, apperrors.Response(err))
		return
	}

	h.logger.InfoContext(r.Context(), "device removed via api",
		slog.String("user_id", claims.UserID),
		slog.String("device_id", deviceID),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "removed"})
}
