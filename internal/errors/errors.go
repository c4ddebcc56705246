// Package errors defines the entitlement error taxonomy and its HTTP
// rendering. Every denial keeps its specific kind end to end so clients
// and logs can tell a tamper attempt from an expiry from a revocation.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Kind identifies a class of entitlement failure. The string value is the
// wire value of the "error" field in failure responses.
type Kind string

const (
	// KindKeyStore means the signing keypair could not be loaded or
	// persisted. Fatal at startup; the process must not serve traffic.
	KindKeyStore Kind = "KeyStoreError"
	// KindSigning means signing was attempted before the keystore was
	// initialized. An ordering bug, not a client error.
	KindSigning Kind = "SigningError"
	// KindInvalidSignature means the token payload or signature failed
	// cryptographic verification.
	KindInvalidSignature Kind = "InvalidSignature"
	// KindExpired means the token's expires_at is in the past.
	KindExpired Kind = "Expired"
	// KindRevoked means the token's jti is on the revocation list.
	KindRevoked Kind = "Revoked"
	// KindDeviceMismatch means the token is bound to a different device
	// than the one presenting it.
	KindDeviceMismatch Kind = "DeviceMismatch"
	// KindDeviceLimitExceeded means the entitlement already has its
	// plan's maximum number of bound devices.
	KindDeviceLimitExceeded Kind = "DeviceLimitExceeded"
	// KindRateLimited means the caller exhausted its plan's request
	// budget for the current window.
	KindRateLimited Kind = "RateLimited"
	// KindStorageUnavailable means a durable store could not be reached
	// within the retry budget. Transient; callers should retry with
	// backoff. Never conflated with a definitive denial.
	KindStorageUnavailable Kind = "StorageUnavailable"
	// KindInvalidRequest means the request payload failed validation
	// before reaching any entitlement check.
	KindInvalidRequest Kind = "InvalidRequest"
	// KindNotFound means the addressed resource does not exist.
	KindNotFound Kind = "NotFound"
)

// Error is the concrete error type carried through the service layers.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only set for KindRateLimited
	Err        error         // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// E creates a new Error of the given kind.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RateLimited creates a rate-limit denial carrying the retry-after hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "request rate limit exceeded for plan",
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the Kind from an error chain. Unknown errors report an
// empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// statusFor maps an error kind to its HTTP status. Signature, expiry,
// revocation and device-mismatch denials are all 401 so a client treats
// them uniformly as "re-authenticate"; the error field still carries the
// precise kind.
func statusFor(kind Kind) int {
	switch kind {
	case KindInvalidSignature, KindExpired, KindRevoked, KindDeviceMismatch:
		return http.StatusUnauthorized
	case KindDeviceLimitExceeded:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindKeyStore, KindSigning:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ErrResponse is the standard failure payload:
//
//	{"error": "<Kind>", "message": "...", "retry_after": <seconds>}
//
// retry_after is present only for rate-limit denials.
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	ErrorKind      string `json:"error"`
	Message        string `json:"message"`
	RetryAfter     int64  `json:"retry_after,omitempty"`
}

// Render implements the render.Renderer interface.
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// Response builds the wire representation for any error. Errors outside
// the taxonomy render as a generic 500 without leaking internals.
func Response(err error) *ErrResponse {
	var e *Error
	if !errors.As(err, &e) {
		return &ErrResponse{
			Err:            err,
			HTTPStatusCode: http.StatusInternalServerError,
			ErrorKind:      "InternalError",
			Message:        "an unexpected error occurred",
		}
	}

	resp := &ErrResponse{
		Err:            err,
		HTTPStatusCode: statusFor(e.Kind),
		ErrorKind:      string(e.Kind),
		Message:        e.Message,
	}
	if e.Kind == KindRateLimited {
		// Round up so a client that sleeps exactly retry_after seconds
		// lands in the next window.
		secs := int64(e.RetryAfter / time.Second)
		if e.RetryAfter%time.Second != 0 || secs == 0 {
			secs++
		}
		resp.RetryAfter = secs
	}
	return resp
}

// InvalidRequest builds a 400 response for malformed request payloads.
func InvalidRequest(message string) *ErrResponse {
	return &ErrResponse{
		HTTPStatusCode: http.StatusBadRequest,
		ErrorKind:      "InvalidRequest",
		Message:        message,
	}
}

// NotFound builds a 404 response.
func NotFound(message string) *ErrResponse {
	return &ErrResponse{
		HTTPStatusCode: http.StatusNotFound,
		ErrorKind:      "NotFound",
		Message:        message,
	}
}
