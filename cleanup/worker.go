package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper removes expired index memberships. Satisfied by the token stores.
type Sweeper interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Stats is a point-in-time view of the worker's progress.
type Stats struct {
	LastRun      time.Time
	TotalPruned  uint64
	TotalErrors  uint64
	SweepsRun    uint64
	LastDuration time.Duration
}

// Worker sweeps expired tokens on a fixed interval until stopped.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// NewWorker creates a stopped [Worker]. Call Start to begin sweeping.
func NewWorker(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Repeated calls are no-ops.
func (w *Worker) Start() {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// Stop terminates the loop and waits for any in-flight sweep to finish.
// Safe to call multiple times and on a never-started worker.
func (w *Worker) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.done)
		if w.started.Load() {
			w.wg.Wait()
		}
	})
}

// Sweep runs one pass immediately, outside the ticker schedule.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	pruned, err := w.sweeper.CleanupExpired(ctx)

	w.mu.Lock()
	w.stats.LastRun = start
	w.stats.LastDuration = time.Since(start)
	w.stats.SweepsRun++
	w.stats.TotalPruned += uint64(pruned)
	if err != nil {
		w.stats.TotalErrors++
	}
	w.mu.Unlock()

	return pruned, err
}

// Stats returns a copy of the progress counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned, err := w.Sweep(context.Background())
			if err != nil {
				w.logger.Warn("expired token sweep failed",
					slog.String("error", err.Error()))
				continue
			}
			if pruned > 0 {
				w.logger.Info("expired token sweep",
					slog.Int("pruned", pruned))
			}
		case <-w.done:
			return
		}
	}
}
