// Package metrics provides the exporter's own Prometheus metrics.
//
// These describe the exporter rather than the storage servers it watches:
//   - Lines read, events applied and parse failures by reason
//   - Registry apply errors, read errors and dropped oversized lines
//   - File rotations by kind and out-of-order events
//   - Trace events by severity, for all event types
//   - Followed files, poll latency and scrape snapshot latency
//   - Build information
//
// All metrics are registered with an explicit prometheus.Registerer; the
// default global registry is never used.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	ingest := metrics.NewIngestMetricsWithRegistry(reg)
//	snapshots := metrics.NewSnapshotMetricsWithRegistry(reg)
//	metrics.RegisterBuildInfo(reg, version, commit, instanceID)
//
//	health.RegisterHandler("/metrics", metrics.NewHandler(reg, reg, logger))
package metrics
