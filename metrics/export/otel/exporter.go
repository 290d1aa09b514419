package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/tokenvault/tokenvault"
)

type counterDef struct {
	id   tokenvault.MetricID
	name string
	desc string
}

var defs = []counterDef{
	{tokenvault.MetricSaveSuccess, "tokenvault.save.success", "Tokens persisted"},
	{tokenvault.MetricSaveConflict, "tokenvault.save.conflict", "Saves rejected because the key existed"},
	{tokenvault.MetricBatchCreated, "tokenvault.save.batch_created", "Tokens created through batch saves"},
	{tokenvault.MetricGetHit, "tokenvault.get.hit", "Reads that found a record"},
	{tokenvault.MetricGetMiss, "tokenvault.get.miss", "Reads that found nothing"},
	{tokenvault.MetricConsumeSuccess, "tokenvault.consume.success", "Tokens marked used"},
	{tokenvault.MetricConsumeRejected, "tokenvault.consume.rejected", "Consume calls rejected"},
	{tokenvault.MetricRevoked, "tokenvault.revoked", "Tokens removed by revoke calls"},
	{tokenvault.MetricRotateSuccess, "tokenvault.rotate.success", "Completed rotations"},
	{tokenvault.MetricRotateFailure, "tokenvault.rotate.failure", "Rotations rejected or rolled back"},
	{tokenvault.MetricOrphansPruned, "tokenvault.orphans.pruned", "Stale index memberships removed"},
	{tokenvault.MetricTimeout, "tokenvault.operation.timeout", "Operations that exceeded their budget"},
	{tokenvault.MetricHookError, "tokenvault.plugin.hook_error", "Plugin hook failures"},
	{tokenvault.MetricShutdownRejected, "tokenvault.shutdown.rejected", "Calls refused after shutdown began"},
}

// Snapshotter is the registry surface the bridge reads. Satisfied by
// [tokenvault.Registry].
type Snapshotter interface {
	MetricsSnapshot() tokenvault.MetricsSnapshot
}

// Bridge owns the registered observable instruments.
type Bridge struct {
	registration metric.Registration
}

// Register creates one observable counter per registry metric on meter and
// wires a single collection callback. Call Close on the returned bridge to
// detach.
func Register(meter metric.Meter, source Snapshotter) (*Bridge, error) {
	instruments := make(map[tokenvault.MetricID]metric.Int64ObservableCounter, len(defs))
	observables := make([]metric.Observable, 0, len(defs))

	for _, def := range defs {
		counter, err := meter.Int64ObservableCounter(def.name,
			metric.WithDescription(def.desc))
		if err != nil {
			return nil, err
		}
		instruments[def.id] = counter
		observables = append(observables, counter)
	}

	registration, err := meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			snap := source.MetricsSnapshot()
			for id, counter := range instruments {
				observer.ObserveInt64(counter, int64(snap.Counters[id]))
			}
			return nil
		}, observables...)
	if err != nil {
		return nil, err
	}

	return &Bridge{registration: registration}, nil
}

// Close detaches the collection callback.
func (b *Bridge) Close() error {
	if b == nil || b.registration == nil {
		return nil
	}
	return b.registration.Unregister()
}
