package tokenvault

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tokenvault/tokenvault/breaker"
	"github.com/tokenvault/tokenvault/cleanup"
	"github.com/tokenvault/tokenvault/store"
	"github.com/tokenvault/tokenvault/tokenerr"
)

// ErrShuttingDown is the cause carried by operations rejected after
// [Registry.Shutdown] has begun.
var ErrShuttingDown = errors.New("registry is shutting down")

// Registry is the public entry point: a validated, plugin-aware, optionally
// breaker-protected facade over a token [Store]. Build one with [Builder];
// the zero value is not usable.
//
// All methods are safe for concurrent use.
type Registry struct {
	cfg       Config
	store     Store
	validator *Validator
	plugins   *pluginSet
	events    *eventDispatcher
	metrics   *Metrics
	breakers  *breaker.Manager
	cleaner   *cleanup.Worker
	logger    *slog.Logger

	shutting atomic.Bool
}

// execute is the envelope every public operation runs in: fail fast during
// shutdown, bound the call by the operation timeout, report failures to
// plugin OnError hooks, re-throw domain errors unchanged and wrap anything
// else as an OperationFailedError.
func execute[T any](ctx context.Context, r *Registry, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if r.shutting.Load() {
		r.metrics.Inc(MetricShutdownRejected)
		return zero, tokenerr.NewOperationFailed(op, ErrShuttingDown)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var result T
	var err error
	if budget := r.cfg.Service.OperationTimeout; budget > 0 {
		result, err = raceTimeout(ctx, r, op, budget, fn)
	} else {
		result, err = fn(ctx)
	}

	if err != nil {
		r.plugins.notifyError(ctx, op, err)
		if tokenerr.IsDomain(err) {
			return result, err
		}
		return zero, tokenerr.NewOperationFailed(op, err)
	}
	return result, nil
}

// raceTimeout runs fn against the operation budget. When the budget fires
// first the call keeps running in the background and its eventual result is
// discarded; the buffered channel keeps that goroutine from leaking.
func raceTimeout[T any](ctx context.Context, r *Registry, op string, budget time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		val, err := fn(tctx)
		ch <- outcome{val: val, err: err}
	}()

	select {
	case out := <-ch:
		return out.val, out.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		r.metrics.Inc(MetricTimeout)
		return zero, tokenerr.NewTimeout(op, budget)
	}
}

/*
====================================
TOKEN LIFECYCLE
====================================
*/

// SaveToken persists a new refresh token. First writer wins: a second save
// for the same token fails with an AlreadyExistsError regardless of payload.
//
// A zero ttl falls back to the configured default. PreSave hooks may rewrite
// the token, record, or TTL before the write.
func (r *Registry) SaveToken(ctx context.Context, token string, rec *store.TokenRecord, ttl time.Duration) error {
	_, err := execute(ctx, r, "registry.saveToken", func(ctx context.Context) (struct{}, error) {
		var zero struct{}

		if !r.cfg.Service.DisableValidation {
			if err := r.validator.Token(token); err != nil {
				return zero, err
			}
			if err := r.validator.Payload(rec); err != nil {
				return zero, err
			}
		} else if rec == nil {
			return zero, tokenerr.NewValidation("record", "must not be nil")
		}

		req := &SaveRequest{
			Token:  token,
			Record: rec,
			TTL:    r.cfg.effectiveTTL(ttl),
		}
		fillRecordTimes(req.Record, req.TTL)

		if err := r.enforceDeviceCap(ctx, req.Record); err != nil {
			return zero, err
		}

		r.plugins.runPreSave(ctx, req)

		if err := r.store.Save(ctx, req.Token, req.Record.UserID, req.Record, req.TTL); err != nil {
			var exists *tokenerr.AlreadyExistsError
			if errors.As(err, &exists) {
				r.metrics.Inc(MetricSaveConflict)
			}
			return zero, err
		}

		r.metrics.Inc(MetricSaveSuccess)
		r.plugins.runPostSave(ctx, req)
		r.events.emit(ctx, EventCreated, req.Token, req.Record.UserID, req.Record.DeviceID)
		return zero, nil
	})
	return err
}

// SaveBatchTokens persists entries best-effort and returns how many were
// created. Invalid entries and per-entry conflicts are skipped and logged;
// only infrastructure failures abort the batch.
func (r *Registry) SaveBatchTokens(ctx context.Context, entries []store.BatchEntry, ttl time.Duration) (int, error) {
	return execute(ctx, r, "registry.saveBatchTokens", func(ctx context.Context) (int, error) {
		if len(entries) == 0 {
			return 0, nil
		}
		if len(entries) > r.cfg.Service.MaxBatchSize {
			return 0, tokenerr.NewValidation("entries", "batch exceeds max size")
		}

		created, err := r.store.SaveBatch(ctx, entries, r.cfg.effectiveTTL(ttl))
		if err != nil {
			return 0, err
		}
		r.metrics.Add(MetricBatchCreated, uint64(created))
		if created < len(entries) {
			r.logger.Debug("batch save skipped entries",
				slog.Int("requested", len(entries)),
				slog.Int("created", created))
		}
		return created, nil
	})
}

// GetTokenData returns the record for a token, or nil when the token is
// absent or expired. Absence is not an error.
func (r *Registry) GetTokenData(ctx context.Context, token string) (*store.TokenRecord, error) {
	return execute(ctx, r, "registry.getTokenData", func(ctx context.Context) (*store.TokenRecord, error) {
		if !r.cfg.Service.DisableValidation {
			if err := r.validator.Token(token); err != nil {
				return nil, err
			}
		}

		r.plugins.runPreGet(ctx, token)

		rec, err := r.store.Get(ctx, token)
		if err != nil {
			return nil, err
		}

		r.plugins.runPostGet(ctx, token, rec)

		if rec == nil {
			r.metrics.Inc(MetricGetMiss)
			return nil, nil
		}
		r.metrics.Inc(MetricGetHit)
		r.events.emit(ctx, EventAccessed, token, rec.UserID, rec.DeviceID)
		return rec, nil
	})
}

// ConsumeToken atomically marks a token used. Exactly one of N concurrent
// consumers observes true; replays, foreign owners, and absent tokens
// observe false without error.
func (r *Registry) ConsumeToken(ctx context.Context, token, userID string) (bool, error) {
	return execute(ctx, r, "registry.consumeToken", func(ctx context.Context) (bool, error) {
		if !r.cfg.Service.DisableValidation {
			if err := r.validator.Token(token); err != nil {
				return false, err
			}
			if err := identifier("userId", userID); err != nil {
				return false, err
			}
		}

		consumed, err := r.store.Consume(ctx, token, userID, r.cfg.Store.UsedTokenTTL)
		if err != nil {
			return false, err
		}
		if !consumed {
			r.metrics.Inc(MetricConsumeRejected)
			return false, nil
		}
		r.metrics.Inc(MetricConsumeSuccess)
		r.events.emit(ctx, EventAccessed, token, userID, "")
		return true, nil
	})
}

// RevokeToken removes a token. Revoking an absent token is a NotFoundError.
func (r *Registry) RevokeToken(ctx context.Context, token string) error {
	_, err := execute(ctx, r, "registry.revokeToken", func(ctx context.Context) (struct{}, error) {
		var zero struct{}

		if !r.cfg.Service.DisableValidation {
			if err := r.validator.Token(token); err != nil {
				return zero, err
			}
		}

		rec, err := r.store.Get(ctx, token)
		if err != nil {
			return zero, err
		}
		if rec == nil {
			return zero, tokenerr.NewNotFound(token)
		}

		r.plugins.runPreRevoke(ctx, token)

		removed, err := r.store.Delete(ctx, token, rec.UserID)
		if err != nil {
			return zero, err
		}
		if !removed {
			// Lost the race against a concurrent revoke or expiry.
			return zero, tokenerr.NewNotFound(token)
		}

		r.metrics.Inc(MetricRevoked)
		r.plugins.runPostRevoke(ctx, token)
		r.events.emit(ctx, EventRevoked, token, rec.UserID, rec.DeviceID)
		return zero, nil
	})
	return err
}

// RotateToken atomically replaces oldToken with newToken carrying rec. The
// swap is all-or-nothing: on any failure the old token remains valid and the
// new token is absent.
func (r *Registry) RotateToken(ctx context.Context, oldToken, newToken string, rec *store.TokenRecord, ttl time.Duration) error {
	_, err := execute(ctx, r, "registry.rotateToken", func(ctx context.Context) (struct{}, error) {
		var zero struct{}

		if oldToken == "" || newToken == "" {
			return zero, tokenerr.NewValidation("token", "rotation requires both tokens")
		}
		if oldToken == newToken {
			return zero, tokenerr.NewValidation("token", "rotation requires distinct tokens")
		}
		if !r.cfg.Service.DisableValidation {
			if err := r.validator.Token(newToken); err != nil {
				return zero, err
			}
			if err := r.validator.Payload(rec); err != nil {
				return zero, err
			}
		} else if rec == nil {
			return zero, tokenerr.NewValidation("record", "must not be nil")
		}

		old, err := r.store.Get(ctx, oldToken)
		if err != nil {
			return zero, err
		}
		if old == nil {
			r.metrics.Inc(MetricRotateFailure)
			return zero, tokenerr.NewNotFound(oldToken)
		}
		if old.Expired(time.Now()) {
			r.metrics.Inc(MetricRotateFailure)
			return zero, tokenerr.NewExpired(oldToken, time.UnixMilli(old.ExpiresAt))
		}

		effective := r.cfg.effectiveTTL(ttl)
		fillRecordTimes(rec, effective)

		if err := r.store.Rotate(ctx, oldToken, newToken, rec, effective); err != nil {
			r.metrics.Inc(MetricRotateFailure)
			return zero, err
		}

		r.metrics.Inc(MetricRotateSuccess)
		r.events.emit(ctx, EventRevoked, oldToken, old.UserID, old.DeviceID)
		r.events.emit(ctx, EventCreated, newToken, rec.UserID, rec.DeviceID)
		return zero, nil
	})
	return err
}

/*
====================================
BULK OPERATIONS
====================================
*/

// RevokeAllTokens removes every token of one user and returns the count.
func (r *Registry) RevokeAllTokens(ctx context.Context, userID string) (int, error) {
	return execute(ctx, r, "registry.revokeAllTokens", func(ctx context.Context) (int, error) {
		if !r.cfg.Service.DisableValidation {
			if err := identifier("userId", userID); err != nil {
				return 0, err
			}
		}
		count, err := r.store.RevokeAll(ctx, userID)
		if err != nil {
			return 0, err
		}
		r.metrics.Add(MetricRevoked, uint64(count))
		return count, nil
	})
}

// RevokeDeviceTokens removes one user's tokens issued to a single device.
func (r *Registry) RevokeDeviceTokens(ctx context.Context, userID, deviceID string) (int, error) {
	return execute(ctx, r, "registry.revokeDeviceTokens", func(ctx context.Context) (int, error) {
		if !r.cfg.Service.DisableValidation {
			if err := identifier("userId", userID); err != nil {
				return 0, err
			}
			if err := identifier("deviceId", deviceID); err != nil {
				return 0, err
			}
		}
		count, err := r.store.RevokeByDevice(ctx, userID, deviceID)
		if err != nil {
			return 0, err
		}
		r.metrics.Add(MetricRevoked, uint64(count))
		return count, nil
	})
}

// CleanupOrphanedTokens prunes index memberships whose record keys expired.
func (r *Registry) CleanupOrphanedTokens(ctx context.Context, userID string) (int, error) {
	return execute(ctx, r, "registry.cleanupOrphanedTokens", func(ctx context.Context) (int, error) {
		if !r.cfg.Service.DisableValidation {
			if err := identifier("userId", userID); err != nil {
				return 0, err
			}
		}
		pruned, err := r.store.CleanupOrphaned(ctx, userID)
		if err != nil {
			return 0, err
		}
		r.metrics.Add(MetricOrphansPruned, uint64(pruned))
		return pruned, nil
	})
}

// CleanupExpiredTokens sweeps every user index once, outside the periodic
// worker schedule.
func (r *Registry) CleanupExpiredTokens(ctx context.Context) (int, error) {
	return execute(ctx, r, "registry.cleanupExpiredTokens", func(ctx context.Context) (int, error) {
		pruned, err := r.store.CleanupExpired(ctx)
		if err != nil {
			return 0, err
		}
		r.metrics.Add(MetricOrphansPruned, uint64(pruned))
		return pruned, nil
	})
}

// TokenStats returns the aggregated token view for one user. Stats.Estimated
// is set when the user's index exceeded the scan budget.
func (r *Registry) TokenStats(ctx context.Context, userID string) (store.UserStats, error) {
	return execute(ctx, r, "registry.tokenStats", func(ctx context.Context) (store.UserStats, error) {
		if !r.cfg.Service.DisableValidation {
			if err := identifier("userId", userID); err != nil {
				return store.UserStats{}, err
			}
		}
		return r.store.Stats(ctx, userID)
	})
}

/*
====================================
OBSERVABILITY AND LIFECYCLE
====================================
*/

// GetHealthStatus reports registry and store health. It bypasses the
// operation envelope so it stays answerable during degradation.
func (r *Registry) GetHealthStatus(ctx context.Context) HealthStatus {
	if ctx == nil {
		ctx = context.Background()
	}
	status := HealthStatus{Running: !r.shutting.Load()}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	latency, err := r.store.Ping(pingCtx)
	status.StoreHealthy = err == nil
	status.StoreLatency = latency

	if r.breakers != nil {
		status.Breakers = r.breakers.Snapshots()
	}
	return status
}

// MetricsSnapshot returns a copy of the registry's internal counters.
func (r *Registry) MetricsSnapshot() MetricsSnapshot {
	return r.metrics.Snapshot()
}

// EventsDropped reports lifecycle events discarded under backpressure.
func (r *Registry) EventsDropped() uint64 {
	return r.events.Dropped()
}

// CleanupStats returns the periodic sweep progress, or a zero value when the
// cleanup worker is disabled.
func (r *Registry) CleanupStats() cleanup.Stats {
	if r.cleaner == nil {
		return cleanup.Stats{}
	}
	return r.cleaner.Stats()
}

// Shutdown stops the registry. New operations fail fast immediately; the
// cleanup worker is stopped, the grace window lets in-flight hook and event
// fan-out settle, then buffered events are drained. Idempotent.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.shutting.CompareAndSwap(false, true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.logger.Info("registry shutting down")

	if r.cleaner != nil {
		r.cleaner.Stop()
	}

	if grace := r.cfg.Service.ShutdownGrace; grace > 0 {
		select {
		case <-time.After(grace):
		case <-ctx.Done():
		}
	}

	r.events.close()
	return ctx.Err()
}

/*
====================================
INTERNAL HELPERS
====================================
*/

// fillRecordTimes stamps issue and expiry times callers left zero. ExpiresAt
// mirrors the key TTL for diagnostics; the TTL remains authoritative.
func fillRecordTimes(rec *store.TokenRecord, ttl time.Duration) {
	now := time.Now()
	if rec.IssuedAt == 0 {
		rec.IssuedAt = now.UnixMilli()
	}
	if rec.ExpiresAt == 0 && ttl > 0 {
		rec.ExpiresAt = now.Add(ttl).UnixMilli()
	}
}

// enforceDeviceCap applies the per-user device limit. In strict mode the cap
// is a hard validation failure; otherwise it only logs. A stats failure
// never blocks the save.
func (r *Registry) enforceDeviceCap(ctx context.Context, rec *store.TokenRecord) error {
	limit := r.cfg.Service.MaxDevicesPerUser
	if limit <= 0 {
		return nil
	}

	stats, err := r.store.Stats(ctx, rec.UserID)
	if err != nil {
		r.logger.Warn("device cap check skipped",
			slog.String("error", err.Error()))
		return nil
	}
	if stats.DeviceCount < limit {
		return nil
	}

	if r.cfg.Service.StrictMode {
		return tokenerr.NewValidation("deviceId", "device limit reached for user")
	}
	r.logger.Warn("device limit reached",
		slog.String("user_id", rec.UserID),
		slog.Int("devices", stats.DeviceCount),
		slog.Int("limit", limit))
	return nil
}
