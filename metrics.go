package tokenvault

import (
	"sync/atomic"
)

// MetricID identifies one registry counter.
type MetricID uint16

const (
	// MetricSaveSuccess counts persisted tokens.
	MetricSaveSuccess MetricID = iota
	// MetricSaveConflict counts saves rejected because the key existed.
	MetricSaveConflict
	// MetricBatchCreated counts tokens created through batch saves.
	MetricBatchCreated
	// MetricGetHit counts reads that found a record.
	MetricGetHit
	// MetricGetMiss counts reads that found nothing.
	MetricGetMiss
	// MetricConsumeSuccess counts tokens marked used.
	MetricConsumeSuccess
	// MetricConsumeRejected counts consume calls that lost the race or
	// failed the owner check.
	MetricConsumeRejected
	// MetricRevoked counts tokens removed by revoke calls.
	MetricRevoked
	// MetricRotateSuccess counts completed rotations.
	MetricRotateSuccess
	// MetricRotateFailure counts rotations rejected or rolled back.
	MetricRotateFailure
	// MetricOrphansPruned counts stale index memberships removed.
	MetricOrphansPruned
	// MetricTimeout counts operations that exceeded their budget.
	MetricTimeout
	// MetricHookError counts plugin hook failures (isolated, never fatal).
	MetricHookError
	// MetricShutdownRejected counts calls refused after shutdown began.
	MetricShutdownRejected
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed-size set of lock-free counters. Counters are padded to
// their own cache line so concurrent increments do not contend.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// NewMetrics creates a [Metrics] recorder; a disabled recorder keeps every
// call a no-op.
func NewMetrics(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

// Inc increments one counter. Safe on a nil or disabled recorder.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Add increments one counter by n.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return snap
}
