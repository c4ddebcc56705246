package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uplicense/internal/config"
	"uplicense/internal/infrastructure"
	"uplicense/internal/services"
	"uplicense/internal/token"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()

	cfg := config.Default()
	dir := t.TempDir()
	cfg.Keystore.Dir = filepath.Join(dir, "keys")
	cfg.Storage.Dir = filepath.Join(dir, "state")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	providers, err := infrastructure.InitializeOTel(&infrastructure.OTelConfig{
		ServiceName:    infrastructure.ServiceName,
		ServiceVersion: infrastructure.ServiceVersion,
		Environment:    "test",
		TraceExporter:  "none",
		MetricExporter: "none",
		SampleRatio:    1.0,
	}, logger)
	require.NoError(t, err)

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
	}
	require.NoError(t, app.initializeServices(context.Background()))
	require.NoError(t, app.setupRouter())
	app.createServer()

	t.Cleanup(func() {
		app.Revocations.Stop()
		app.Limiter.Stop()
	})
	return app
}

func doJSON(t *testing.T, app *Application, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, app *Application, userID, plan string) string {
	t.Helper()

	rec := doJSON(t, app, http.MethodPost, "/api/auth/login", "", map[string]any{
		"user_id": userID,
		"plan":    plan,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestNewTestApplicationWiresComponents(t *testing.T) {
	app := newTestApplication(t)

	assert.NotNil(t, app.Keys)
	assert.NotNil(t, app.Ledger)
	assert.NotNil(t, app.Revocations)
	assert.NotNil(t, app.Binder)
	assert.NotNil(t, app.Limiter)
	assert.NotNil(t, app.Entitlements)
	assert.NotNil(t, app.MagicLinks)
	assert.NotNil(t, app.Router)

	require.NotNil(t, app.Server)
	assert.Equal(t, fmt.Sprintf(":%d", app.Config.Server.Port), app.Server.Addr)
	assert.Equal(t, app.Config.Server.ReadTimeout, app.Server.ReadTimeout)
	assert.Equal(t, app.Config.Server.WriteTimeout, app.Server.WriteTimeout)
	assert.Equal(t, app.Config.Server.IdleTimeout, app.Server.IdleTimeout)
}

func TestHealthAndVersionEndpoints(t *testing.T) {
	app := newTestApplication(t)

	rec := doJSON(t, app, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, infrastructure.ServiceName, health["service"])

	rec = doJSON(t, app, http.MethodGet, "/api/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var version map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	assert.Equal(t, infrastructure.ServiceVersion, version["version"])
}

func TestPublicKeyEndpointServesPEM(t *testing.T) {
	app := newTestApplication(t)

	rec := doJSON(t, app, http.MethodGet, "/api/license/public-key", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BEGIN PUBLIC KEY")
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	app := newTestApplication(t)

	for _, path := range []string{
		"/api/license/validate",
		"/api/license/status",
		"/api/devices/",
	} {
		rec := doJSON(t, app, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)

		var errResp struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, "InvalidSignature", errResp.Error, path)
	}
}

func TestProtectedRouteRejectsGarbageToken(t *testing.T) {
	app := newTestApplication(t)

	rec := doJSON(t, app, http.MethodGet, "/api/license/validate", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidSignature")
}

func TestLoginValidateRoundTrip(t *testing.T) {
	app := newTestApplication(t)
	tok := login(t, app, "user-1", "trial")

	rec := doJSON(t, app, http.MethodGet, "/api/license/validate", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Valid  bool   `json:"valid"`
		UserID string `json:"user_id"`
		Plan   string `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, "trial", resp.Plan)
}

func TestStatusReportsPlanAndDaysLeft(t *testing.T) {
	app := newTestApplication(t)
	tok := login(t, app, "user-status", "monthly")

	rec := doJSON(t, app, http.MethodGet, "/api/license/status", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status struct {
		UserID    string `json:"user_id"`
		Plan      string `json:"plan"`
		ExpiresAt *int64 `json:"expires_at"`
		DaysLeft  *int   `json:"days_left"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "user-status", status.UserID)
	assert.Equal(t, "monthly", status.Plan)
	require.NotNil(t, status.ExpiresAt)
	require.NotNil(t, status.DaysLeft)
	assert.GreaterOrEqual(t, *status.DaysLeft, 2)
	assert.LessOrEqual(t, *status.DaysLeft, 3)
}

func TestLoginRejectsUnknownPlan(t *testing.T) {
	app := newTestApplication(t)

	rec := doJSON(t, app, http.MethodPost, "/api/auth/login", "", map[string]any{
		"user_id": "user-1",
		"plan":    "lifetime",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidRequest")
}

func TestRevokeThenValidateFails(t *testing.T) {
	app := newTestApplication(t)
	tok := login(t, app, "user-revoke", "yearly")

	rec := doJSON(t, app, http.MethodGet, "/api/license/status", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	signed, err := token.Decode(tok)
	require.NoError(t, err)
	jti := signed.JTI

	rec = doJSON(t, app, http.MethodPost, "/api/license/revoke", tok, map[string]any{
		"jti":    jti,
		"reason": "compromised",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, app, http.MethodGet, "/api/license/validate", tok, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Revoked")

	rec = doJSON(t, app, http.MethodGet, "/api/license/revocation-list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Revoked []struct {
			JTI    string `json:"jti"`
			Reason string `json:"reason"`
		} `json:"revoked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Revoked, 1)
	assert.Equal(t, jti, list.Revoked[0].JTI)
	assert.Equal(t, "compromised", list.Revoked[0].Reason)
}

func TestDeviceRegisterListDelete(t *testing.T) {
	app := newTestApplication(t)
	tok := login(t, app, "user-dev", "trial")

	rec := doJSON(t, app, http.MethodPost, "/api/devices/register", tok, map[string]any{
		"machine_id":  "abc-123",
		"hostname":    "workstation",
		"system_id":   "linux",
		"device_name": "Workstation",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var registered struct {
		DeviceID string `json:"device_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registered))
	require.True(t, strings.HasPrefix(registered.DeviceID, "DEVICE_"))

	rec = doJSON(t, app, http.MethodGet, "/api/devices/", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Devices []struct {
			DeviceID   string `json:"device_id"`
			DeviceName string `json:"device_name"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Devices, 1)
	assert.Equal(t, registered.DeviceID, list.Devices[0].DeviceID)
	assert.Equal(t, "Workstation", list.Devices[0].DeviceName)

	// Trial caps at one device, so a second distinct one is refused.
	rec = doJSON(t, app, http.MethodPost, "/api/devices/register", tok, map[string]any{
		"machine_id": "other-machine",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "DeviceLimitExceeded")

	rec = doJSON(t, app, http.MethodDelete, "/api/devices/"+registered.DeviceID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, app, http.MethodGet, "/api/devices/", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Devices)
}

func TestRefreshIssuesNewToken(t *testing.T) {
	app := newTestApplication(t)
	tok := login(t, app, "user-refresh", "monthly")

	rec := doJSON(t, app, http.MethodPost, "/api/auth/refresh", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
		Plan  string `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "monthly", resp.Plan)
	assert.NotEqual(t, tok, resp.Token)

	rec = doJSON(t, app, http.MethodGet, "/api/license/validate", resp.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMagicLinkFlow(t *testing.T) {
	app := newTestApplication(t)

	rec := doJSON(t, app, http.MethodPost, "/api/auth/magic-link/request", "", map[string]any{
		"email":   "user@example.com",
		"user_id": "user-magic",
		"plan":    "trial",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "code\":")

	rec = doJSON(t, app, http.MethodPost, "/api/auth/magic-link/verify", "", map[string]any{
		"email": "user@example.com",
		"code":  "00000000",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidRequest")

	// Request a replacement code directly so the test can redeem it;
	// over HTTP the code only travels through the delivery channel.
	code, err := app.MagicLinks.RequestCode(context.Background(), "user@example.com", services.IssueInput{
		UserID: "user-magic",
		Plan:   token.PlanTrial,
	})
	require.NoError(t, err)

	rec = doJSON(t, app, http.MethodPost, "/api/auth/magic-link/verify", "", map[string]any{
		"email": "user@example.com",
		"code":  code,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
		Plan  string `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "trial", resp.Plan)

	rec = doJSON(t, app, http.MethodGet, "/api/license/validate", resp.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersApplied(t *testing.T) {
	app := newTestApplication(t)

	rec := doJSON(t, app, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestIDPropagated(t *testing.T) {
	app := newTestApplication(t)

	rec := doJSON(t, app, http.MethodGet, "/api/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStopWithoutStartIsClean(t *testing.T) {
	app := newTestApplication(t)
	require.NoError(t, app.Stop(context.Background()))
}
