// Package tokenerr defines the typed error taxonomy shared by the token
// registry, the store implementations, and the circuit breaker.
//
// # Design
//
// Every error carries a stable machine-readable code and structured context.
// Domain errors cross layers unchanged: only genuinely unexpected failures
// are wrapped into [OperationFailedError] at the registry boundary.
// Diagnostics carry token prefixes only, never full token values.
//
// # Architecture boundaries
//
// This is a leaf package. It owns error identity and nothing else:
// classification policy lives in the breaker package, propagation policy in
// the registry.
//
// # What this package must NOT do
//
//   - Import tokenvault, store, or breaker (no upward imports).
//   - Perform I/O or logging.
package tokenerr
