// Package app provides application initialization and lifecycle management
// for the entitlement token service. It handles the orchestration of all
// major components including configuration loading, key material setup,
// store initialization, and graceful shutdown procedures.
//
// # Architecture
//
// The app package follows a dependency injection pattern where all
// components are wired together at startup. This ensures loose coupling
// and testability.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging and observability
//	3. Load or generate the signing key pair
//	4. Open the durable ledger, revocation, and device binding stores
//	5. Initialize services with their dependencies
//	6. Set up HTTP handlers and middleware
//	7. Configure and start the HTTP server
//	8. Set up graceful shutdown handlers
//
// # Graceful Shutdown
//
// The package handles SIGINT and SIGTERM signals to ensure:
//
//	- Active requests are completed
//	- Background cleanup loops are stopped
//	- Store snapshots reflect the final state
//	- Final metrics are flushed
//
// # Error Handling
//
// All initialization errors are returned to the caller for proper
// handling. The app does not call os.Exit() directly, allowing
// the main function to control the exit process.
package app
