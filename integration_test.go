package tokenvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tokenvault/tokenvault/store"
	"github.com/tokenvault/tokenvault/tokenerr"
)

func newRedisRegistry(t *testing.T, mutate func(*Config)) (*Registry, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	cfg.Breaker.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	reg, err := New().WithConfig(cfg).WithRedis(client).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg, mr
}

func TestEndToEndTokenLifecycle(t *testing.T) {
	reg, _ := newRedisRegistry(t, nil)
	ctx := context.Background()

	if err := reg.SaveToken(ctx, "tok-session-1", testRecord("alice", "phone"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := reg.GetTokenData(ctx, "tok-session-1")
	if err != nil || rec == nil {
		t.Fatalf("get = (%+v, %v)", rec, err)
	}

	if err := reg.RotateToken(ctx, "tok-session-1", "tok-session-2", testRecord("alice", "phone"), 0); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rec, _ := reg.GetTokenData(ctx, "tok-session-1"); rec != nil {
		t.Fatal("rotated-out token still readable")
	}

	ok, err := reg.ConsumeToken(ctx, "tok-session-2", "alice")
	if err != nil || !ok {
		t.Fatalf("consume = (%v, %v)", ok, err)
	}

	// a consumed token cannot be consumed again, but the replay is visible
	ok, err = reg.ConsumeToken(ctx, "tok-session-2", "alice")
	if err != nil {
		t.Fatalf("replay consume: %v", err)
	}
	if ok {
		t.Fatal("token consumed twice")
	}
	rec, err = reg.GetTokenData(ctx, "tok-session-2")
	if err != nil || rec == nil || !rec.Used {
		t.Fatalf("replay diagnostics = (%+v, %v), want used record", rec, err)
	}
}

func TestEndToEndConcurrentRotation(t *testing.T) {
	reg, _ := newRedisRegistry(t, nil)
	ctx := context.Background()

	if err := reg.SaveToken(ctx, "tok-contended", testRecord("alice", "phone"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	const rotators = 8
	var wg sync.WaitGroup
	var successes sync.Map
	for i := 0; i < rotators; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			next := fmt.Sprintf("tok-next-%d", n)
			if err := reg.RotateToken(ctx, "tok-contended", next, testRecord("alice", "phone"), 0); err == nil {
				successes.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	successes.Range(func(_, _ interface{}) bool { count++; return true })
	if count != 1 {
		t.Fatalf("successful rotations = %d, want exactly 1", count)
	}

	stats, err := reg.TokenStats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveTokens != 1 {
		t.Fatalf("active tokens after contended rotation = %d, want 1", stats.ActiveTokens)
	}
}

func TestEndToEndExpiredSweep(t *testing.T) {
	reg, mr := newRedisRegistry(t, func(cfg *Config) {
		cfg.Service.DefaultTTL = 25 * time.Hour
	})
	ctx := context.Background()

	if err := reg.SaveToken(ctx, "tok-shortlived", testRecord("alice", "phone"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	mr.FastForward(26 * time.Hour)

	if rec, _ := reg.GetTokenData(ctx, "tok-shortlived"); rec != nil {
		t.Fatal("expired token still readable")
	}

	pruned, err := reg.CleanupExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	stats, err := reg.TokenStats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTokens != 0 {
		t.Fatalf("stats after sweep = %+v, want empty", stats)
	}
}

func TestEndToEndBreakerOpensOnOutage(t *testing.T) {
	reg, mr := newRedisRegistry(t, func(cfg *Config) {
		cfg.Breaker.VolumeThreshold = 3
		cfg.Service.OperationTimeout = time.Second
	})
	ctx := context.Background()

	if err := reg.SaveToken(ctx, "tok-pre-outage", testRecord("alice", "phone"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	mr.Close()

	for i := 0; i < 3; i++ {
		if err := reg.SaveToken(ctx, fmt.Sprintf("tok-outage-%d", i), testRecord("alice", "phone"), 0); err == nil {
			t.Fatalf("save %d succeeded during outage", i)
		}
	}

	health := reg.GetHealthStatus(ctx)
	if health.StoreHealthy {
		t.Fatal("store reported healthy during outage")
	}
	if snap, ok := health.Breakers["store.save"]; !ok || snap.State != "open" {
		t.Fatalf("save breaker snapshot = %+v, want open", health.Breakers["store.save"])
	}
}

func TestEndToEndShutdownRejectsTraffic(t *testing.T) {
	reg, _ := newRedisRegistry(t, nil)
	ctx := context.Background()

	if err := reg.SaveToken(ctx, "tok-before", testRecord("alice", "phone"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := reg.SaveToken(ctx, "tok-after", testRecord("alice", "phone"), 0); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("post-shutdown save = %v, want ErrShuttingDown cause", err)
	}
	if _, err := reg.TokenStats(ctx, "alice"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("post-shutdown stats = %v, want ErrShuttingDown cause", err)
	}
}

func TestEndToEndDiagnosticsNeverLeakTokens(t *testing.T) {
	reg, _ := newRedisRegistry(t, nil)
	ctx := context.Background()

	const secret = "tok-super-secret-refresh-value"
	if err := reg.SaveToken(ctx, secret, testRecord("alice", "phone"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := reg.SaveToken(ctx, secret, testRecord("alice", "phone"), 0)
	var exists *tokenerr.AlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("duplicate save = %v", err)
	}
	if exists.TokenPrefix == secret {
		t.Fatal("full token leaked into error")
	}
	if len(exists.TokenPrefix) > len("12345678...") {
		t.Fatalf("prefix %q longer than the 8-char contract", exists.TokenPrefix)
	}
}

var _ Store = (*store.RedisStore)(nil)
var _ Store = (*store.MemoryStore)(nil)
var _ Store = (*BreakerStore)(nil)
