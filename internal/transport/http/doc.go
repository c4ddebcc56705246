// Package http implements the HTTP request handlers for the entitlement
// server. It provides a thin layer between HTTP transport and business
// logic, keeping handlers focused solely on HTTP concerns.
//
// # Architecture Principles
//
// Handlers in this package follow these principles:
//
//	1. Thin handlers - minimal logic, delegate to services
//	2. HTTP-only concerns - request parsing, response formatting
//	3. Error transformation - convert service errors to HTTP responses
//	4. Consistent patterns - render.Binder requests, render.JSON responses
//
// # Request Flow
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Store
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// # Error Handling
//
// Errors carry the kind on the wire so clients can branch on it:
//
//	{
//	    "error": "DeviceLimitExceeded",
//	    "message": "plan trial allows 1 device"
//	}
//
// # Middleware Integration
//
// Handlers work with these middleware:
//
//	- RequestID: adds a unique request ID for tracing
//	- StructuredLogger: structured request logging with slog
//	- EntitlementGate: verifies the bearer token and charges the
//	  plan's request window before protected handlers run
//	- Recoverer: handles panics gracefully
//
// # Testing
//
// Handlers are tested using httptest against the assembled router.
package http
