package tokenvault

import (
	"context"
	"time"

	"github.com/tokenvault/tokenvault/breaker"
	"github.com/tokenvault/tokenvault/store"
)

// Store is the atomic token store contract consumed by the [Registry].
// Implementations: [store.RedisStore], [store.MemoryStore], and the
// breaker-wrapped [BreakerStore] composed at startup.
//
// Per-token operations (Save, Consume, Delete, Rotate) are linearizable:
// under N concurrent saves for the same token exactly one succeeds, and
// under N concurrent consumes exactly one returns true.
type Store interface {
	Save(ctx context.Context, token, userID string, rec *store.TokenRecord, ttl time.Duration) error
	SaveBatch(ctx context.Context, entries []store.BatchEntry, ttl time.Duration) (int, error)
	Consume(ctx context.Context, token, userID string, usedTTL time.Duration) (bool, error)
	Delete(ctx context.Context, token, userID string) (bool, error)
	Rotate(ctx context.Context, oldToken, newToken string, rec *store.TokenRecord, ttl time.Duration) error
	RevokeAll(ctx context.Context, userID string) (int, error)
	RevokeByDevice(ctx context.Context, userID, deviceID string) (int, error)
	CleanupOrphaned(ctx context.Context, userID string) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context, userID string) (store.UserStats, error)
	Get(ctx context.Context, token string) (*store.TokenRecord, error)
	Ping(ctx context.Context) (time.Duration, error)
}

// HealthStatus is the aggregated health view returned by
// [Registry.GetHealthStatus].
type HealthStatus struct {
	Running      bool                        `json:"running"`
	StoreHealthy bool                        `json:"store_healthy"`
	StoreLatency time.Duration               `json:"store_latency"`
	Breakers     map[string]breaker.Snapshot `json:"breakers,omitempty"`
}

// SaveRequest is the mutable save payload passed through PreSave hooks.
// Hooks may rewrite any field before the store write.
type SaveRequest struct {
	Token  string
	Record *store.TokenRecord
	TTL    time.Duration
}
