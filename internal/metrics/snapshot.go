package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultSnapshotDurationBuckets are latency buckets for registry snapshots.
var DefaultSnapshotDurationBuckets = []float64{
	0.00001, // 10us
	0.0001,  // 100us
	0.0005,  // 500us
	0.001,   // 1ms
	0.005,   // 5ms
	0.01,    // 10ms
	0.05,    // 50ms
	0.1,     // 100ms
	0.5,     // 500ms
}

// SnapshotMetrics holds metrics about scrape-time registry snapshots.
type SnapshotMetrics struct {
	// SnapshotDuration tracks how long a registry snapshot takes.
	SnapshotDuration prometheus.Histogram

	// RegistryInstruments is the number of instruments in the last snapshot.
	RegistryInstruments prometheus.Gauge
}

// NewSnapshotMetricsWithRegistry creates snapshot metrics registered with reg.
func NewSnapshotMetricsWithRegistry(reg prometheus.Registerer) *SnapshotMetrics {
	factory := promauto.With(reg)
	return &SnapshotMetrics{
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time taken to snapshot the metric registry for a scrape.",
			Buckets:   DefaultSnapshotDurationBuckets,
		}),
		RegistryInstruments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_instruments",
			Help:      "Number of instruments held by the metric registry at the last scrape.",
		}),
	}
}

// RecordSnapshot records one snapshot's duration and size.
func (m *SnapshotMetrics) RecordSnapshot(seconds float64, instruments int) {
	if m == nil {
		return
	}
	m.SnapshotDuration.Observe(seconds)
	m.RegistryInstruments.Set(float64(instruments))
}
