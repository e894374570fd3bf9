package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fdbexporter"

// Rotation kinds used as the kind label of RotationsTotal.
const (
	RotationReplaced  = "replaced"
	RotationTruncated = "truncated"
)

// SeverityOther labels trace events whose severity is not one of FDB's
// 10, 20, 30 or 40.
const SeverityOther = "other"

// DefaultPollDurationBuckets cover a poll of an idle file (microseconds)
// up to a large backlog read (seconds).
var DefaultPollDurationBuckets = []float64{
	0.0001, // 100us
	0.0005, // 500us
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
}

// IngestMetrics holds metrics describing the ingestion pipeline. Every
// method is safe to call on a nil receiver so components can run without
// self-metrics in tests.
type IngestMetrics struct {
	// LinesReadTotal counts complete lines delivered by the log readers.
	LinesReadTotal prometheus.Counter

	// EventsTotal counts events decoded and applied to the registry.
	EventsTotal prometheus.Counter

	// ParseFailuresTotal counts lines the parser did not accept.
	// Labels: reason (malformed, irrelevant, unsupported_version)
	ParseFailuresTotal *prometheus.CounterVec

	// ApplyErrorsTotal counts samples rejected by the registry.
	ApplyErrorsTotal prometheus.Counter

	// ReadErrorsTotal counts failed polls of a log file.
	ReadErrorsTotal prometheus.Counter

	// RotationsTotal counts detected file replacements and truncations.
	// Labels: kind (replaced, truncated)
	RotationsTotal *prometheus.CounterVec

	// DroppedLinesTotal counts lines discarded for exceeding the size limit.
	DroppedLinesTotal prometheus.Counter

	// OutOfOrderEventsTotal counts events whose timestamp is older than the
	// previous event from the same file.
	OutOfOrderEventsTotal prometheus.Counter

	// TraceEventsTotal counts every well-formed trace event by severity.
	// Labels: severity (10, 20, 30, 40, other)
	TraceEventsTotal *prometheus.CounterVec

	// Sources is the number of log files currently followed.
	Sources prometheus.Gauge

	// PollDuration tracks how long one poll of one file takes.
	PollDuration prometheus.Histogram
}

// NewIngestMetricsWithRegistry creates ingestion metrics registered with reg.
func NewIngestMetricsWithRegistry(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		LinesReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Total number of complete lines read from trace files.",
		}),
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of metrics events applied to the registry.",
		}),
		ParseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Total number of trace lines not decoded into metrics events, broken down by reason.",
		}, []string{"reason"}),
		ApplyErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_errors_total",
			Help:      "Total number of samples rejected by the metric registry.",
		}),
		ReadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Total number of failed reads of trace files.",
		}),
		RotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Total number of trace file rotations, broken down by kind.",
		}, []string{"kind"}),
		DroppedLinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_lines_total",
			Help:      "Total number of trace lines dropped for exceeding the line size limit.",
		}),
		OutOfOrderEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_order_events_total",
			Help:      "Total number of metrics events older than the previous event of the same file.",
		}),
		TraceEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_events_total",
			Help:      "Total number of trace events seen, broken down by severity.",
		}, []string{"severity"}),
		Sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sources",
			Help:      "Number of trace files currently followed.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time taken to poll one trace file and apply its new lines.",
			Buckets:   DefaultPollDurationBuckets,
		}),
	}

	reg.MustRegister(
		m.LinesReadTotal,
		m.EventsTotal,
		m.ParseFailuresTotal,
		m.ApplyErrorsTotal,
		m.ReadErrorsTotal,
		m.RotationsTotal,
		m.DroppedLinesTotal,
		m.OutOfOrderEventsTotal,
		m.TraceEventsTotal,
		m.Sources,
		m.PollDuration,
	)
	return m
}

// RecordLines adds n to the lines read counter.
func (m *IngestMetrics) RecordLines(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LinesReadTotal.Add(float64(n))
}

// RecordEvent counts one applied metrics event.
func (m *IngestMetrics) RecordEvent() {
	if m == nil {
		return
	}
	m.EventsTotal.Inc()
}

// RecordParseFailure counts one rejected line.
func (m *IngestMetrics) RecordParseFailure(reason string) {
	if m == nil {
		return
	}
	m.ParseFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordApplyError counts one rejected sample.
func (m *IngestMetrics) RecordApplyError() {
	if m == nil {
		return
	}
	m.ApplyErrorsTotal.Inc()
}

// RecordReadError counts one failed poll.
func (m *IngestMetrics) RecordReadError() {
	if m == nil {
		return
	}
	m.ReadErrorsTotal.Inc()
}

// RecordRotation counts one rotation of the given kind.
func (m *IngestMetrics) RecordRotation(kind string) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(kind).Inc()
}

// RecordDropped adds n to the dropped lines counter.
func (m *IngestMetrics) RecordDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedLinesTotal.Add(float64(n))
}

// RecordOutOfOrder counts one out-of-order event.
func (m *IngestMetrics) RecordOutOfOrder() {
	if m == nil {
		return
	}
	m.OutOfOrderEventsTotal.Inc()
}

// RecordSeverity counts one trace event of the given severity. Severities
// outside 10, 20, 30 and 40 are counted as SeverityOther; 0 means the event
// carried none and is not counted.
func (m *IngestMetrics) RecordSeverity(severity int) {
	if m == nil || severity == 0 {
		return
	}
	m.TraceEventsTotal.WithLabelValues(severityLabel(severity)).Inc()
}

func severityLabel(severity int) string {
	switch severity {
	case 10, 20, 30, 40:
		return strconv.Itoa(severity)
	default:
		return SeverityOther
	}
}

// SetSources sets the number of followed files.
func (m *IngestMetrics) SetSources(n int) {
	if m == nil {
		return
	}
	m.Sources.Set(float64(n))
}

// ObservePoll records the duration of one poll in seconds.
func (m *IngestMetrics) ObservePoll(seconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(seconds)
}
