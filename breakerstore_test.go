package tokenvault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokenvault/tokenvault/breaker"
	"github.com/tokenvault/tokenvault/store"
	"github.com/tokenvault/tokenvault/tokenerr"
)

// stubStore overrides selected operations; everything else panics via the
// nil embedded interface, which keeps accidental calls visible.
type stubStore struct {
	Store
	saveErr  error
	statsErr error
}

func (s *stubStore) Save(context.Context, string, string, *store.TokenRecord, time.Duration) error {
	return s.saveErr
}

func (s *stubStore) Stats(context.Context, string) (store.UserStats, error) {
	return store.UserStats{}, s.statsErr
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:                  true,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          3,
		ResetTimeout:             30 * time.Second,
		WindowInterval:           10 * time.Second,
	}
}

func TestBreakerStoreOpensOnRepeatedInfraFailures(t *testing.T) {
	boom := errors.New("backend down")
	inner := &stubStore{saveErr: boom}
	manager := breaker.NewManager(nil, breaker.Options{})
	bs := NewBreakerStore(inner, manager, testBreakerConfig())
	ctx := context.Background()

	rec := &store.TokenRecord{UserID: "alice", DeviceID: "phone"}
	for i := 0; i < 3; i++ {
		if err := bs.Save(ctx, "tok-1", "alice", rec, time.Hour); !errors.Is(err, boom) {
			t.Fatalf("save %d = %v, want %v", i, err, boom)
		}
	}

	if got := manager.StateOf("store.save"); got != breaker.Open {
		t.Fatalf("save breaker state = %v, want Open", got)
	}

	// other operations keep their own breakers
	if got := manager.StateOf("store.stats"); got != breaker.Closed {
		t.Fatalf("stats breaker state = %v, want Closed", got)
	}
}

func TestBreakerStoreBusinessFailureDegradesStats(t *testing.T) {
	inner := &stubStore{statsErr: tokenerr.NewValidation("record", "corrupted stored payload")}
	manager := breaker.NewManager(nil, breaker.Options{})
	bs := NewBreakerStore(inner, manager, testBreakerConfig())

	stats, err := bs.Stats(context.Background(), "alice")
	if err != nil {
		t.Fatalf("stats = %v, want degraded zero value", err)
	}
	if stats != (store.UserStats{}) {
		t.Fatalf("stats = %+v, want zero value", stats)
	}
	if got := manager.StateOf("store.stats"); got != breaker.Closed {
		t.Fatalf("business failure moved breaker to %v", got)
	}
}

func TestBreakerStorePassesThroughHealthyCalls(t *testing.T) {
	manager := breaker.NewManager(nil, breaker.Options{})
	bs := NewBreakerStore(store.NewMemoryStore(), manager, testBreakerConfig())
	ctx := context.Background()

	rec := &store.TokenRecord{
		UserID:    "alice",
		DeviceID:  "phone",
		IssuedAt:  time.Now().UnixMilli(),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := bs.Save(ctx, "tok-ok", "alice", rec, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := bs.Get(ctx, "tok-ok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.UserID != "alice" {
		t.Fatalf("record = %+v", got)
	}

	ok, err := bs.Consume(ctx, "tok-ok", "alice", 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("consume = (%v, %v), want (true, nil)", ok, err)
	}

	snaps := manager.Snapshots()
	if snaps["store.save"].Failures != 0 {
		t.Fatalf("save failures = %d, want 0", snaps["store.save"].Failures)
	}
}

func TestBreakerStoreSaveConflictDoesNotTrip(t *testing.T) {
	manager := breaker.NewManager(nil, breaker.Options{})
	bs := NewBreakerStore(store.NewMemoryStore(), manager, testBreakerConfig())
	ctx := context.Background()

	rec := &store.TokenRecord{UserID: "alice", DeviceID: "phone"}
	if err := bs.Save(ctx, "tok-dup", "alice", rec, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	// conflicts are business outcomes; pound on them well past the volume
	// threshold and the breaker must stay closed
	for i := 0; i < 10; i++ {
		err := bs.Save(ctx, "tok-dup", "alice", rec, time.Hour)
		var exists *tokenerr.AlreadyExistsError
		if !errors.As(err, &exists) {
			t.Fatalf("duplicate save %d = %v, want AlreadyExistsError", i, err)
		}
	}

	if got := manager.StateOf("store.save"); got != breaker.Closed {
		t.Fatalf("breaker state after conflicts = %v, want Closed", got)
	}
}
