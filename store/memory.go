package store

import (
	"context"
	"sync"
	"time"

	"github.com/tokenvault/tokenvault/tokenerr"
)

type memEntry struct {
	rec       *TokenRecord
	expiresAt time.Time
}

// MemoryStore is an in-process token store for embedded deployments and
// tests. Expiry is enforced lazily on read and opportunistically by
// [MemoryStore.Sweep]; there is no per-token timer, so token churn never
// grows timer handles.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memEntry
	index   map[string]map[string]struct{}
	now     func() time.Time

	// rotateFailpoint, when set, forces the atomic section of Rotate to
	// fail after the old record has been removed. Used to verify rollback.
	rotateFailpoint func() error
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memEntry),
		index:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetRotateFailpoint installs a forced failure inside the rotate critical
// section. Test helper for the rollback guarantee.
func (s *MemoryStore) SetRotateFailpoint(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateFailpoint = fn
}

// live returns the entry iff it exists and has not lapsed, deleting it
// lazily otherwise. Caller must hold the lock.
func (s *MemoryStore) live(token string) *memEntry {
	entry, ok := s.records[token]
	if !ok {
		return nil
	}
	if !entry.expiresAt.After(s.now()) {
		delete(s.records, token)
		s.dropMembership(entry.rec.UserID, token)
		return nil
	}
	return entry
}

func (s *MemoryStore) addMembership(userID, token string) {
	set, ok := s.index[userID]
	if !ok {
		set = make(map[string]struct{})
		s.index[userID] = set
	}
	set[token] = struct{}{}
}

func (s *MemoryStore) dropMembership(userID, token string) {
	set, ok := s.index[userID]
	if !ok {
		return
	}
	delete(set, token)
	if len(set) == 0 {
		delete(s.index, userID)
	}
}

// Save creates the record iff absent; first writer wins.
func (s *MemoryStore) Save(ctx context.Context, token, userID string, rec *TokenRecord, ttl time.Duration) error {
	if rec.UserID != userID {
		return tokenerr.NewValidation("userId", "payload owner does not match claimed owner")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(token) != nil {
		return tokenerr.NewAlreadyExists(token)
	}

	s.records[token] = &memEntry{rec: rec.clone(), expiresAt: s.now().Add(ttl)}
	s.addMembership(userID, token)
	return nil
}

// SaveBatch mirrors the Redis store's best-effort semantics.
func (s *MemoryStore) SaveBatch(ctx context.Context, entries []BatchEntry, ttl time.Duration) (int, error) {
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
		if err := s.Save(ctx, entry.Token, entry.UserID, rec, ttl); err == nil {
			created++
		}
	}

	return created, nil
}

// Consume marks the token used exactly once under the store lock.
func (s *MemoryStore) Consume(ctx context.Context, token, userID string, usedTTL time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.live(token)
	if entry == nil || entry.rec.Used || entry.rec.UserID != userID {
		return false, nil
	}

	entry.rec.Used = true
	entry.expiresAt = s.now().Add(usedTTL)
	s.dropMembership(userID, token)
	return true, nil
}

// Delete removes the record iff the owner matches.
func (s *MemoryStore) Delete(ctx context.Context, token, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.live(token)
	if entry == nil || entry.rec.UserID != userID {
		return false, nil
	}

	delete(s.records, token)
	s.dropMembership(userID, token)
	return true, nil
}

// Rotate removes the old record and creates the new one as one step. If the
// critical section fails, the old record and its expiry are restored exactly
// as they were.
func (s *MemoryStore) Rotate(ctx context.Context, oldToken, newToken string, rec *TokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(newToken) != nil {
		return tokenerr.NewAlreadyExists(newToken)
	}
	old := s.live(oldToken)
	if old == nil {
		return tokenerr.NewNotFound(oldToken)
	}

	delete(s.records, oldToken)
	s.dropMembership(old.rec.UserID, oldToken)

	if s.rotateFailpoint != nil {
		if err := s.rotateFailpoint(); err != nil {
			s.records[oldToken] = old
			s.addMembership(old.rec.UserID, oldToken)
			return err
		}
	}

	s.records[newToken] = &memEntry{rec: rec.clone(), expiresAt: s.now().Add(ttl)}
	s.addMembership(rec.UserID, newToken)
	return nil
}

// RevokeAll deletes every live record of the user and the index entry.
func (s *MemoryStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token := range s.index[userID] {
		if s.live(token) != nil {
			delete(s.records, token)
			removed++
		}
	}
	delete(s.index, userID)
	return removed, nil
}

// RevokeByDevice deletes the user's live records on the given device.
// Expired members are pruned lazily and not counted.
func (s *MemoryStore) RevokeByDevice(ctx context.Context, userID, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for token := range s.membershipSnapshot(userID) {
		entry := s.live(token)
		if entry == nil {
			continue
		}
		if entry.rec.DeviceID == deviceID {
			delete(s.records, token)
			s.dropMembership(userID, token)
			revoked++
		}
	}
	return revoked, nil
}

// CleanupOrphaned prunes memberships with no live backing record.
func (s *MemoryStore) CleanupOrphaned(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for token := range s.membershipSnapshot(userID) {
		if _, ok := s.records[token]; !ok {
			s.dropMembership(userID, token)
			pruned++
			continue
		}
		if s.live(token) == nil {
			pruned++
		}
	}
	return pruned, nil
}

// CleanupExpired sweeps all users.
func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	users := make([]string, 0, len(s.index))
	for userID := range s.index {
		users = append(users, userID)
	}
	s.mu.Unlock()

	total := 0
	for _, userID := range users {
		n, err := s.CleanupOrphaned(ctx, userID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Stats classifies the user's members and tallies distinct devices.
func (s *MemoryStore) Stats(ctx context.Context, userID string) (UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats UserStats
	devices := make(map[string]struct{})
	for token := range s.membershipSnapshot(userID) {
		entry := s.live(token)
		if entry == nil {
			continue
		}
		stats.TotalTokens++
		if !entry.rec.Used {
			stats.ActiveTokens++
		}
		devices[entry.rec.DeviceID] = struct{}{}
	}
	stats.DeviceCount = len(devices)
	return stats, nil
}

// Get fetches a record copy without touching its expiry.
func (s *MemoryStore) Get(ctx context.Context, token string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.live(token)
	if entry == nil {
		return nil, nil
	}
	return entry.rec.clone(), nil
}

// Ping always succeeds for the in-process store.
func (s *MemoryStore) Ping(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

// Sweep removes expired records eagerly. Optional; lazy expiry on read
// keeps the store correct without it.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, entry := range s.records {
		if !entry.expiresAt.After(s.now()) {
			delete(s.records, token)
			s.dropMembership(entry.rec.UserID, token)
			removed++
		}
	}
	return removed
}

// membershipSnapshot copies the user's member set so callers can mutate the
// index while ranging. Caller must hold the lock.
func (s *MemoryStore) membershipSnapshot(userID string) map[string]struct{} {
	src := s.index[userID]
	out := make(map[string]struct{}, len(src))
	for token := range src {
		out[token] = struct{}{}
	}
	return out
}
