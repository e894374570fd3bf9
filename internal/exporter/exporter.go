// Package exporter turns registry snapshots into Prometheus metrics.
package exporter

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/fdbexporter/internal/metrics"
	"github.com/dray-io/fdbexporter/internal/registry"
)

// Snapshotter is the read side of a metric registry.
type Snapshotter interface {
	Snapshot() []registry.Entry
}

// Convert maps snapshot entries to constant Prometheus metrics, preserving
// their order. An entry that cannot be represented (an invalid name or
// label value, say) becomes an invalid metric carrying the error, which
// the gathering registry reports without dropping the other entries.
func Convert(entries []registry.Entry) []prometheus.Metric {
	descs := make(map[string]*prometheus.Desc)
	out := make([]prometheus.Metric, 0, len(entries))

	for _, e := range entries {
		keys := e.Labels.Keys()
		values := make([]string, len(keys))
		for i, k := range keys {
			values[i] = e.Labels[k]
		}

		descKey := e.Name + "\xff" + strings.Join(keys, "\xff")
		desc, ok := descs[descKey]
		if !ok {
			help := e.Help
			if help == "" {
				help = e.Name
			}
			desc = prometheus.NewDesc(e.Name, help, keys, nil)
			descs[descKey] = desc
		}

		m, err := convertEntry(desc, e, values)
		if err != nil {
			m = prometheus.NewInvalidMetric(desc, err)
		}
		out = append(out, m)
	}
	return out
}

func convertEntry(desc *prometheus.Desc, e registry.Entry, values []string) (prometheus.Metric, error) {
	switch e.Kind {
	case registry.KindCounter:
		return prometheus.NewConstMetric(desc, prometheus.CounterValue, e.Value, values...)
	case registry.KindHistogram:
		h := e.Histogram
		if h == nil {
			h = &registry.HistogramValue{}
		}
		buckets := make(map[float64]uint64, len(h.Bounds))
		var cumulative uint64
		for i, bound := range h.Bounds {
			cumulative += h.Counts[i]
			buckets[bound] = cumulative
		}
		return prometheus.NewConstHistogram(desc, h.Count, h.Sum, buckets, values...)
	case registry.KindSummary:
		s := e.Summary
		if s == nil {
			s = &registry.SummaryValue{}
		}
		quantiles := make(map[float64]float64, len(s.Quantiles))
		for _, q := range s.Quantiles {
			quantiles[q.Quantile] = q.Value
		}
		return prometheus.NewConstSummary(desc, s.Count, s.Sum, quantiles, values...)
	default:
		return prometheus.NewConstMetric(desc, prometheus.GaugeValue, e.Value, values...)
	}
}

// Collector exposes a Snapshotter as an unchecked prometheus.Collector.
// Every Collect takes one snapshot, so a scrape sees one consistent view.
type Collector struct {
	source  Snapshotter
	metrics *metrics.SnapshotMetrics
}

// NewCollector creates a Collector over source. m may be nil.
func NewCollector(source Snapshotter, m *metrics.SnapshotMetrics) *Collector {
	return &Collector{source: source, metrics: m}
}

// Describe sends nothing, which makes the collector unchecked: the set of
// metric families is only known once files have been read.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	start := time.Now()
	entries := c.source.Snapshot()
	c.metrics.RecordSnapshot(time.Since(start).Seconds(), len(entries))

	for _, m := range Convert(entries) {
		ch <- m
	}
}
