// Package breaker provides per-operation circuit breakers that isolate the
// token registry from backing-store outages.
//
// # State machine
//
// Each named operation owns one breaker: closed -> open once the rolling
// failure rate crosses the configured threshold, open -> half-open after the
// reset timeout admits a single probe, and half-open -> closed or back to
// open depending on the probe outcome.
//
// # Classification
//
// Failures are classified before they are counted. Only critical failures
// (connectivity, timeouts, unknown errors) drive breaker health and are
// re-thrown to the caller. Business failures (validation, not-found,
// already-exists, expired) bypass the health accounting and route to the
// operation's fallback.
//
// # Architecture boundaries
//
// This package wraps arbitrary actions; it knows nothing about Redis or the
// registry. The store is wrapped by a breaker at the composition boundary.
//
// # What this package must NOT do
//
//   - Import tokenvault or store (no upward imports).
//   - Perform I/O of its own.
//   - Swallow an error whose nature is unknown (unknown defaults to critical).
package breaker
