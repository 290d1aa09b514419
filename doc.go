// Package tokenvault manages opaque refresh tokens with atomic single-use
// semantics on Redis.
//
// The package is organized in three layers. The store layer
// ([store.RedisStore], [store.MemoryStore]) owns atomicity: save is
// first-writer-wins, consume and delete are at-most-once, rotation is
// all-or-nothing. The resilience layer ([BreakerStore], package breaker)
// wraps each store operation in a circuit breaker that distinguishes
// business rejections from infrastructure failures. The registry layer
// ([Registry], built through [Builder]) adds validation, plugin hooks,
// lifecycle events, metrics, operation timeouts, and shutdown fail-fast.
//
// # Architecture boundaries
//
// Tokens are opaque strings; this package never generates, signs, or
// inspects them. Session semantics, transport, and credential handling
// belong to the caller.
//
// # What this package must NOT do
//
//   - Never log, store in errors, or emit in events a full token value.
//     Diagnostics carry an 8-character prefix only.
//   - Never mask stored-payload corruption as absence. Corruption is a
//     ValidationError.
//   - Never let a plugin hook failure abort a primary operation.
package tokenvault
