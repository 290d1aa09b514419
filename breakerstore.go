package tokenvault

import (
	"context"
	"time"

	"github.com/tokenvault/tokenvault/breaker"
	"github.com/tokenvault/tokenvault/store"
)

// Breaker operation names. One breaker per name, created lazily.
const (
	opSave           = "store.save"
	opSaveBatch      = "store.saveBatch"
	opConsume        = "store.consume"
	opDelete         = "store.delete"
	opRotate         = "store.rotate"
	opRevokeAll      = "store.revokeAll"
	opRevokeByDevice = "store.revokeByDevice"
	opCleanupOrphan  = "store.cleanupOrphaned"
	opCleanupExpired = "store.cleanupExpired"
	opStats          = "store.stats"
	opGet            = "store.get"
	opPing           = "store.ping"
)

// BreakerStore wraps a [Store] with per-operation circuit breakers. The
// composition is explicit and static: deployments build the stack once at
// startup instead of introspecting wrapper chains at runtime.
//
// Fallback behavior per operation, applied to business-classified failures
// only (critical failures always surface):
//
//   - writes (save, rotate): the error passes through; success cannot be
//     faked
//   - consume, delete: degrade to "not persisted" (false)
//   - counts and stats: degrade to zero
//   - reads: the error passes through (corruption must not be masked)
type BreakerStore struct {
	inner   Store
	manager *breaker.Manager
}

// NewBreakerStore wraps inner with breakers configured from cfg.
func NewBreakerStore(inner Store, manager *breaker.Manager, cfg BreakerConfig) *BreakerStore {
	base := breaker.Options{
		Timeout:                  cfg.Timeout,
		ErrorThresholdPercentage: cfg.ErrorThresholdPercentage,
		VolumeThreshold:          cfg.VolumeThreshold,
		ResetTimeout:             cfg.ResetTimeout,
		WindowInterval:           cfg.WindowInterval,
	}

	passthrough := func(err error) (interface{}, error) { return nil, err }
	toFalse := func(err error) (interface{}, error) { return false, nil }
	toZero := func(err error) (interface{}, error) { return 0, nil }
	toEmptyStats := func(err error) (interface{}, error) { return store.UserStats{}, nil }

	configure := func(name string, fallback breaker.FallbackFunc) {
		opts := base
		opts.Fallback = fallback
		manager.Configure(name, opts)
	}

	configure(opSave, passthrough)
	configure(opSaveBatch, toZero)
	configure(opConsume, toFalse)
	configure(opDelete, toFalse)
	configure(opRotate, passthrough)
	configure(opRevokeAll, toZero)
	configure(opRevokeByDevice, toZero)
	configure(opCleanupOrphan, toZero)
	configure(opCleanupExpired, toZero)
	configure(opStats, toEmptyStats)
	configure(opGet, passthrough)
	configure(opPing, passthrough)

	return &BreakerStore{inner: inner, manager: manager}
}

// Manager exposes the underlying breaker manager for health snapshots.
func (s *BreakerStore) Manager() *breaker.Manager { return s.manager }

func (s *BreakerStore) Save(ctx context.Context, token, userID string, rec *store.TokenRecord, ttl time.Duration) error {
	_, err := s.manager.Execute(ctx, opSave, func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.Save(ctx, token, userID, rec, ttl)
	})
	return err
}

func (s *BreakerStore) SaveBatch(ctx context.Context, entries []store.BatchEntry, ttl time.Duration) (int, error) {
	val, err := s.manager.Execute(ctx, opSaveBatch, func(ctx context.Context) (interface{}, error) {
		return s.inner.SaveBatch(ctx, entries, ttl)
	})
	return asInt(val), err
}

func (s *BreakerStore) Consume(ctx context.Context, token, userID string, usedTTL time.Duration) (bool, error) {
	val, err := s.manager.Execute(ctx, opConsume, func(ctx context.Context) (interface{}, error) {
		return s.inner.Consume(ctx, token, userID, usedTTL)
	})
	return asBool(val), err
}

func (s *BreakerStore) Delete(ctx context.Context, token, userID string) (bool, error) {
	val, err := s.manager.Execute(ctx, opDelete, func(ctx context.Context) (interface{}, error) {
		return s.inner.Delete(ctx, token, userID)
	})
	return asBool(val), err
}

func (s *BreakerStore) Rotate(ctx context.Context, oldToken, newToken string, rec *store.TokenRecord, ttl time.Duration) error {
	_, err := s.manager.Execute(ctx, opRotate, func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.Rotate(ctx, oldToken, newToken, rec, ttl)
	})
	return err
}

func (s *BreakerStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	val, err := s.manager.Execute(ctx, opRevokeAll, func(ctx context.Context) (interface{}, error) {
		return s.inner.RevokeAll(ctx, userID)
	})
	return asInt(val), err
}

func (s *BreakerStore) RevokeByDevice(ctx context.Context, userID, deviceID string) (int, error) {
	val, err := s.manager.Execute(ctx, opRevokeByDevice, func(ctx context.Context) (interface{}, error) {
		return s.inner.RevokeByDevice(ctx, userID, deviceID)
	})
	return asInt(val), err
}

func (s *BreakerStore) CleanupOrphaned(ctx context.Context, userID string) (int, error) {
	val, err := s.manager.Execute(ctx, opCleanupOrphan, func(ctx context.Context) (interface{}, error) {
		return s.inner.CleanupOrphaned(ctx, userID)
	})
	return asInt(val), err
}

func (s *BreakerStore) CleanupExpired(ctx context.Context) (int, error) {
	val, err := s.manager.Execute(ctx, opCleanupExpired, func(ctx context.Context) (interface{}, error) {
		return s.inner.CleanupExpired(ctx)
	})
	return asInt(val), err
}

func (s *BreakerStore) Stats(ctx context.Context, userID string) (store.UserStats, error) {
	val, err := s.manager.Execute(ctx, opStats, func(ctx context.Context) (interface{}, error) {
		return s.inner.Stats(ctx, userID)
	})
	if stats, ok := val.(store.UserStats); ok {
		return stats, err
	}
	return store.UserStats{}, err
}

func (s *BreakerStore) Get(ctx context.Context, token string) (*store.TokenRecord, error) {
	val, err := s.manager.Execute(ctx, opGet, func(ctx context.Context) (interface{}, error) {
		return s.inner.Get(ctx, token)
	})
	if rec, ok := val.(*store.TokenRecord); ok {
		return rec, err
	}
	return nil, err
}

func (s *BreakerStore) Ping(ctx context.Context) (time.Duration, error) {
	val, err := s.manager.Execute(ctx, opPing, func(ctx context.Context) (interface{}, error) {
		return s.inner.Ping(ctx)
	})
	if latency, ok := val.(time.Duration); ok {
		return latency, err
	}
	return 0, err
}

func asInt(val interface{}) int {
	if n, ok := val.(int); ok {
		return n
	}
	return 0
}

func asBool(val interface{}) bool {
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}
