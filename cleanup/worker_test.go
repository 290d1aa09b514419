package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct {
	calls  atomic.Int64
	pruned int
	err    error
}

func (s *countingSweeper) CleanupExpired(context.Context) (int, error) {
	s.calls.Add(1)
	return s.pruned, s.err
}

func TestWorkerSweepsOnInterval(t *testing.T) {
	sweeper := &countingSweeper{pruned: 3}
	w := NewWorker(sweeper, 10*time.Millisecond, nil)
	w.Start()
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d sweeps within deadline", sweeper.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	w.Stop()
	stats := w.Stats()
	if stats.SweepsRun < 2 {
		t.Fatalf("sweeps = %d, want at least 2", stats.SweepsRun)
	}
	if stats.TotalPruned < 6 {
		t.Fatalf("pruned = %d, want at least 6", stats.TotalPruned)
	}
	if stats.LastRun.IsZero() {
		t.Fatal("last run not recorded")
	}
}

func TestWorkerCountsFailures(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("store offline")}
	w := NewWorker(sweeper, time.Hour, nil)

	if _, err := w.Sweep(context.Background()); err == nil {
		t.Fatal("sweep error swallowed")
	}

	stats := w.Stats()
	if stats.TotalErrors != 1 {
		t.Fatalf("errors = %d, want 1", stats.TotalErrors)
	}
}

func TestWorkerStopIdempotent(t *testing.T) {
	w := NewWorker(&countingSweeper{}, time.Hour, nil)
	w.Start()
	w.Stop()
	w.Stop()

	// a never-started worker must also stop cleanly
	idle := NewWorker(&countingSweeper{}, time.Hour, nil)
	idle.Stop()
}

func TestWorkerStartIdempotent(t *testing.T) {
	sweeper := &countingSweeper{}
	w := NewWorker(sweeper, 10*time.Millisecond, nil)
	w.Start()
	w.Start()
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("no sweep within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
