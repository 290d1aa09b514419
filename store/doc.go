// Package store provides the atomic refresh-token store: a Redis-backed
// implementation built on Lua scripts, and an in-memory implementation for
// embedded deployments and tests.
//
// # Data model
//
// Each token lives under a record key ("refresh:<token>") holding a JSON
// payload, with expiry realized by the key TTL. A per-user index set
// ("user_tokens:<userId>") caches the keys considered live for that user.
// The index is a cache, not a source of truth: scans tolerate and self-heal
// orphaned memberships whose backing record has expired.
//
// # Atomicity
//
// Save, Consume, Delete, Rotate, and RevokeAll execute as single Lua scripts,
// so concurrent callers observe linearizable outcomes: exactly one save wins
// for a given token, and exactly one consume wins. Read-heavy scans (Stats,
// RevokeByDevice, cleanup) run client-side in bounded batches and repair the
// index as they go.
//
// # Architecture boundaries
//
// This package owns persistence and per-key atomicity. Validation of request
// shape, hooks, timeouts, and fault isolation belong to the registry and
// breaker layers above it.
//
// # What this package must NOT do
//
//   - Import tokenvault or breaker (no upward imports).
//   - Log or expose full token values.
//   - Hold client-side locks around Redis calls.
package store
