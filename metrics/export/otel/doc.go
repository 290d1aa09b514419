// Package otel bridges the registry's internal counters to OpenTelemetry.
//
// The bridge is pull-based: an observable callback reads a counter snapshot
// on each collection, so the hot path stays on lock-free atomics and pays
// nothing for the export.
package otel
