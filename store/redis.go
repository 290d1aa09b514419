package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenvault/tokenvault/tokenerr"
)

// ErrRedisUnavailable wraps every backing-store connectivity failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	defaultKeyPrefix    = "refresh:"
	defaultIndexPrefix  = "user_tokens:"
	defaultStatsPrefix  = "refresh_stats:"
	defaultMaxScanBatch = 512
)

const (
	saveStatusExists  int64 = 0
	saveStatusCreated int64 = 1

	mutateStatusRejected int64 = 0
	mutateStatusApplied  int64 = 1
	mutateStatusCorrupt  int64 = 2

	rotateStatusNotFound int64 = 0
	rotateStatusExists   int64 = 1
	rotateStatusCorrupt  int64 = 2
	rotateStatusRotated  int64 = 3
)

const saveScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], KEYS[1])
redis.call("DEL", KEYS[3])
return 1
`

var saveLua = redis.NewScript(saveScript)

const consumeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local ok, rec = pcall(cjson.decode, data)
if not ok or type(rec) ~= "table" or not rec.user_id then
  return 2
end
if rec.used or rec.user_id ~= ARGV[1] then
  return 0
end
rec.used = true
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ARGV[2])
redis.call("SREM", KEYS[2], KEYS[1])
redis.call("DEL", KEYS[3])
return 1
`

var consumeLua = redis.NewScript(consumeScript)

const deleteScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local ok, rec = pcall(cjson.decode, data)
if not ok or type(rec) ~= "table" or not rec.user_id then
  return 2
end
if rec.user_id ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], KEYS[1])
redis.call("DEL", KEYS[3])
return 1
`

var deleteLua = redis.NewScript(deleteScript)

const rotateScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 1
end
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local ok, rec = pcall(cjson.decode, data)
if not ok or type(rec) ~= "table" or not rec.user_id then
  return 2
end
redis.call("DEL", KEYS[1])
redis.call("SREM", ARGV[3] .. rec.user_id, KEYS[1])
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
redis.call("SADD", ARGV[3] .. ARGV[5], KEYS[2])
redis.call("DEL", ARGV[4] .. rec.user_id)
redis.call("DEL", ARGV[4] .. ARGV[5])
return 3
`

var rotateLua = redis.NewScript(rotateScript)

const revokeAllScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for i = 1, #members do
  removed = removed + redis.call("DEL", members[i])
end
redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
return removed
`

var revokeAllLua = redis.NewScript(revokeAllScript)

// Config holds key layout and scan tuning for the Redis store.
type Config struct {
	KeyPrefix     string        // record key namespace, default "refresh:"
	IndexPrefix   string        // per-user index namespace, default "user_tokens:"
	StatsPrefix   string        // stats memo namespace, default "refresh_stats:"
	MaxScanBatch  int           // per-call scan budget, default 512
	StatsCacheTTL time.Duration // 0 disables the stats memo
	SlidingTTL    time.Duration // 0 keeps reads TTL-preserving (the default)
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.IndexPrefix == "" {
		c.IndexPrefix = defaultIndexPrefix
	}
	if c.StatsPrefix == "" {
		c.StatsPrefix = defaultStatsPrefix
	}
	if c.MaxScanBatch <= 0 {
		c.MaxScanBatch = defaultMaxScanBatch
	}
	return c
}

// RedisStore is the Redis-backed atomic token store. Per-token operations
// run as Lua scripts; scans run client-side in bounded batches and self-heal
// the per-user index as orphans are discovered.
type RedisStore struct {
	redis redis.UniversalClient
	cfg   Config
}

// NewRedisStore creates a [RedisStore] on the given client. Zero-valued
// config fields fall back to defaults.
func NewRedisStore(client redis.UniversalClient, cfg Config) *RedisStore {
	return &RedisStore{redis: client, cfg: cfg.withDefaults()}
}

func (s *RedisStore) recordKey(token string) string {
	return s.cfg.KeyPrefix + token
}

func (s *RedisStore) indexKey(userID string) string {
	return s.cfg.IndexPrefix + userID
}

func (s *RedisStore) statsKey(userID string) string {
	return s.cfg.StatsPrefix + userID
}

// Save creates the record iff the key is absent and adds it to the user's
// index. Exactly one of N concurrent saves for the same token succeeds; the
// rest observe AlreadyExists.
func (s *RedisStore) Save(ctx context.Context, token, userID string, rec *TokenRecord, ttl time.Duration) error {
	if rec.UserID != userID {
		return tokenerr.NewValidation("userId", "payload owner does not match claimed owner")
	}

	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	status, err := saveLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(token), s.indexKey(userID), s.statsKey(userID)},
		payload,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if status == saveStatusExists {
		return tokenerr.NewAlreadyExists(token)
	}

	return nil
}

// SaveBatch creates records best-effort: structurally invalid entries are
// skipped, not fatal, and only the count of entries actually created is
// returned. Per-entry error detail is intentionally not reported.
func (s *RedisStore) SaveBatch(ctx context.Context, entries []BatchEntry, ttl time.Duration) (int, error) {
	created := 0
	now := time.Now()

	for _, entry := range entries {
		if entry.Token == "" || entry.UserID == "" || entry.DeviceID == "" {
			continue
		}

		rec := &TokenRecord{
			UserID:    entry.UserID,
			DeviceID:  entry.DeviceID,
			IssuedAt:  now.UnixMilli(),
			ExpiresAt: now.Add(ttl).UnixMilli(),
		}
		err := s.Save(ctx, entry.Token, entry.UserID, rec, ttl)
		switch {
		case err == nil:
			created++
		case tokenerr.IsDomain(err):
			// duplicate or invalid entry: skipped, batch continues
		default:
			return created, err
		}
	}

	return created, nil
}

// Consume marks the token used exactly once: sets used=true, re-applies the
// shorter used-token TTL, and removes the token from the user's index. The
// false result does not distinguish missing, already used, or owner mismatch.
func (s *RedisStore) Consume(ctx context.Context, token, userID string, usedTTL time.Duration) (bool, error) {
	status, err := consumeLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(token), s.indexKey(userID), s.statsKey(userID)},
		userID,
		usedTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case mutateStatusApplied:
		return true, nil
	case mutateStatusCorrupt:
		return false, tokenerr.NewValidation("record", "corrupted stored payload")
	default:
		return false, nil
	}
}

// Delete removes the record and its index membership iff the owner matches.
func (s *RedisStore) Delete(ctx context.Context, token, userID string) (bool, error) {
	status, err := deleteLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(token), s.indexKey(userID), s.statsKey(userID)},
		userID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case mutateStatusApplied:
		return true, nil
	case mutateStatusCorrupt:
		return false, tokenerr.NewValidation("record", "corrupted stored payload")
	default:
		return false, nil
	}
}

// Rotate replaces oldToken with newToken as one indivisible step: the old
// record and its index membership disappear, the new record and membership
// appear, or neither happens. The script either runs to completion or not
// at all, so a failure leaves the old record untouched.
func (s *RedisStore) Rotate(ctx context.Context, oldToken, newToken string, rec *TokenRecord, ttl time.Duration) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	status, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(oldToken), s.recordKey(newToken)},
		payload,
		ttl.Milliseconds(),
		s.cfg.IndexPrefix,
		s.cfg.StatsPrefix,
		rec.UserID,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return tokenerr.NewNotFound(oldToken)
	case rotateStatusExists:
		return tokenerr.NewAlreadyExists(newToken)
	case rotateStatusCorrupt:
		return tokenerr.NewValidation("record", "corrupted stored payload")
	default:
		return fmt.Errorf("%w: unknown rotate script status %d", ErrRedisUnavailable, status)
	}
}

// RevokeAll deletes every record referenced by the user's index, then the
// index itself. Returns the number of records actually removed.
func (s *RedisStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	removed, err := revokeAllLua.Run(
		ctx,
		s.redis,
		[]string{s.indexKey(userID), s.statsKey(userID)},
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(removed), nil
}

// RevokeByDevice deletes the user's records whose deviceId matches. Orphaned
// memberships discovered during the scan are pruned without being counted.
func (s *RedisStore) RevokeByDevice(ctx context.Context, userID, deviceID string) (int, error) {
	members, err := s.redis.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	revoked := 0
	for start := 0; start < len(members); start += s.cfg.MaxScanBatch {
		end := min(start+s.cfg.MaxScanBatch, len(members))

		batch := members[start:end]
		records, err := s.fetchRecords(ctx, batch)
		if err != nil {
			return revoked, err
		}

		var toDelete, toPrune []string
		for i, rec := range records {
			switch {
			case rec == nil:
				toPrune = append(toPrune, batch[i])
			case rec.DeviceID == deviceID:
				toDelete = append(toDelete, batch[i])
			}
		}

		n, err := s.deleteAndPrune(ctx, userID, toDelete, toPrune)
		if err != nil {
			return revoked, err
		}
		revoked += n
	}

	if revoked > 0 {
		s.invalidateStats(ctx, userID)
	}
	return revoked, nil
}

// CleanupOrphaned drops index memberships whose backing record no longer
// exists. Returns the number of memberships pruned.
func (s *RedisStore) CleanupOrphaned(ctx context.Context, userID string) (int, error) {
	members, err := s.redis.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	pruned := 0
	for start := 0; start < len(members); start += s.cfg.MaxScanBatch {
		end := min(start+s.cfg.MaxScanBatch, len(members))

		batch := members[start:end]
		pipe := s.redis.Pipeline()
		existsCmds := make([]*redis.IntCmd, len(batch))
		for i, member := range batch {
			existsCmds[i] = pipe.Exists(ctx, member)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		var stale []string
		for i, cmd := range existsCmds {
			if cmd.Val() == 0 {
				stale = append(stale, batch[i])
			}
		}
		if len(stale) > 0 {
			if err := s.redis.SRem(ctx, s.indexKey(userID), toAny(stale)...).Err(); err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			pruned += len(stale)
		}
	}

	return pruned, nil
}

// CleanupExpired sweeps every known user index, pruning memberships whose
// record is gone. A record that inexplicably has no TTL is deleted outright.
// Intended for a periodic background trigger; correctness does not depend on
// it running.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)

	for {
		indexKeys, next, err := s.redis.Scan(ctx, cursor, s.cfg.IndexPrefix+"*", 1000).Result()
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		for _, indexKey := range indexKeys {
			n, err := s.sweepIndex(ctx, indexKey)
			if err != nil {
				return total, err
			}
			total += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return total, nil
}

func (s *RedisStore) sweepIndex(ctx context.Context, indexKey string) (int, error) {
	members, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	pruned := 0
	for start := 0; start < len(members); start += s.cfg.MaxScanBatch {
		end := min(start+s.cfg.MaxScanBatch, len(members))

		batch := members[start:end]
		pipe := s.redis.Pipeline()
		ttlCmds := make([]*redis.DurationCmd, len(batch))
		for i, member := range batch {
			ttlCmds[i] = pipe.PTTL(ctx, member)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		var stale []string
		for i, cmd := range ttlCmds {
			switch cmd.Val() {
			case -2:
				// record gone, membership is an orphan
				stale = append(stale, batch[i])
			case -1:
				// a token record must always carry a TTL; one without is
				// deleted outright
				if err := s.redis.Del(ctx, batch[i]).Err(); err != nil {
					return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
				stale = append(stale, batch[i])
			}
		}
		if len(stale) > 0 {
			if err := s.redis.SRem(ctx, indexKey, toAny(stale)...).Err(); err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			pruned += len(stale)
		}
	}

	return pruned, nil
}

// Stats scans the user's index, classifies each member, prunes orphans found
// along the way, and tallies distinct device IDs. When the index exceeds the
// scan budget only the first MaxScanBatch members are read and the counts
// are extrapolated from that sample (Estimated is set on the result).
func (s *RedisStore) Stats(ctx context.Context, userID string) (UserStats, error) {
	if s.cfg.StatsCacheTTL > 0 {
		if cached, ok := s.cachedStats(ctx, userID); ok {
			return cached, nil
		}
	}

	members, err := s.redis.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return UserStats{}, nil
		}
		return UserStats{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(members) == 0 {
		return UserStats{}, nil
	}

	scanned := members
	estimated := false
	if len(members) > s.cfg.MaxScanBatch {
		scanned = members[:s.cfg.MaxScanBatch]
		estimated = true
	}

	records, err := s.fetchRecords(ctx, scanned)
	if err != nil {
		return UserStats{}, err
	}

	var stats UserStats
	devices := make(map[string]struct{})
	var orphans []string
	for i, rec := range records {
		if rec == nil {
			orphans = append(orphans, scanned[i])
			continue
		}
		stats.TotalTokens++
		if !rec.Used {
			stats.ActiveTokens++
		}
		devices[rec.DeviceID] = struct{}{}
	}
	stats.DeviceCount = len(devices)

	if len(orphans) > 0 {
		if err := s.redis.SRem(ctx, s.indexKey(userID), toAny(orphans)...).Err(); err != nil {
			return UserStats{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if estimated {
		live := len(scanned) - len(orphans)
		if live > 0 {
			ratio := float64(len(members)) / float64(len(scanned))
			stats.ActiveTokens = int(float64(stats.ActiveTokens) * ratio)
			stats.TotalTokens = int(float64(stats.TotalTokens) * ratio)
		}
		stats.Estimated = true
	}

	if s.cfg.StatsCacheTTL > 0 && !stats.Estimated {
		s.cacheStats(ctx, userID, stats)
	}

	return stats, nil
}

// Get is a read-only fetch. It never touches the key TTL unless SlidingTTL
// is configured, in which case an unused record's TTL is refreshed on read.
func (s *RedisStore) Get(ctx context.Context, token string) (*TokenRecord, error) {
	key := s.recordKey(token)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}

	if s.cfg.SlidingTTL > 0 && !rec.Used {
		if err := s.redis.PExpire(ctx, key, s.cfg.SlidingTTL).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return rec, nil
}

// Ping returns a point-in-time availability check and its latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *RedisStore) fetchRecords(ctx context.Context, keys []string) ([]*TokenRecord, error) {
	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	records := make([]*TokenRecord, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			// corrupted member: leave nil so the caller prunes it
			continue
		}
		records[i] = rec
	}

	return records, nil
}

func (s *RedisStore) deleteAndPrune(ctx context.Context, userID string, toDelete, toPrune []string) (int, error) {
	deleted := 0
	if len(toDelete) > 0 {
		n, err := s.redis.Del(ctx, toDelete...).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		deleted = int(n)
	}

	stale := append(append([]string{}, toDelete...), toPrune...)
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.indexKey(userID), toAny(stale)...).Err(); err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return deleted, nil
}

func (s *RedisStore) cachedStats(ctx context.Context, userID string) (UserStats, bool) {
	data, err := s.redis.Get(ctx, s.statsKey(userID)).Bytes()
	if err != nil {
		return UserStats{}, false
	}
	var stats UserStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return UserStats{}, false
	}
	return stats, true
}

func (s *RedisStore) cacheStats(ctx context.Context, userID string, stats UserStats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	// memo is best-effort; a write failure only costs a recomputation
	_ = s.redis.Set(ctx, s.statsKey(userID), data, s.cfg.StatsCacheTTL).Err()
}

func (s *RedisStore) invalidateStats(ctx context.Context, userID string) {
	_ = s.redis.Del(ctx, s.statsKey(userID)).Err()
}

func toAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
