// Package cleanup runs the periodic expired-token sweep.
//
// The worker is an optimization, not a correctness mechanism: record keys
// expire on their own TTL, and every read path self-heals stale index
// memberships. The sweep only keeps per-user indexes from accumulating dead
// entries between reads.
//
// # Architecture boundaries
//
// This package knows nothing about tokens beyond the Sweeper contract. It
// owns the ticker goroutine and its shutdown; the caller owns the store.
//
// # What this package must NOT do
//
//   - Never block shutdown on an in-flight sweep longer than the sweep
//     itself takes.
//   - Never treat a sweep failure as fatal. Failures are counted and
//     logged; the next tick retries.
package cleanup
