// Package services implements the business logic layer of the entitlement
// server. It provides a clean separation between HTTP handlers and the
// token, device, and revocation stores, ensuring that business rules are
// centralized and testable.
//
// # Architecture
//
// Services follow these architectural principles:
//
//	1. Context propagation for cancellation and tracing
//	2. Dependency injection for loose coupling
//	3. Domain-focused methods that encapsulate business rules
//	4. Metrics reporting as a cross-cutting concern
//
// # Available Services
//
// The package provides these core services:
//
//	- EntitlementService: issues, verifies, refreshes, and revokes
//	  entitlement tokens, manages device bindings, and enforces the
//	  per-plan request windows
//	- MagicLinkService: single-use login codes exchanged for tokens
//
// # Error Handling
//
// Services return kinded errors from the errors package that handlers
// transform into HTTP responses:
//
//	- InvalidRequest for malformed input
//	- DeviceLimitExceeded when a plan's device cap is reached
//	- RateLimited when a plan's request window is exhausted
//	- StorageUnavailable when a durable store cannot answer
//
// # Testing
//
// Services are tested against the real stores backed by temporary
// directories, with injected clocks where expiry matters.
package services
