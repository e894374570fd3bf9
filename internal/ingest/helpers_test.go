package ingest

import (
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/fdbexporter/internal/config"
	"github.com/dray-io/fdbexporter/internal/metrics"
	"github.com/dray-io/fdbexporter/internal/registry"
	"github.com/dray-io/fdbexporter/internal/trace"
)

type testPipeline struct {
	deps     Deps
	registry *registry.Registry
	metrics  *metrics.IngestMetrics
	tracker  *fakeTracker
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	cfg := config.Default()

	mapper, err := NewMapper(cfg.Events, cfg.Metrics)
	require.NoError(t, err)

	reg := registry.New(registry.Options{DefaultBuckets: cfg.Events.DefaultBuckets})
	m := metrics.NewIngestMetricsWithRegistry(prometheus.NewRegistry())
	tracker := newFakeTracker()

	return &testPipeline{
		deps: Deps{
			Parser: trace.NewParser(trace.ParserConfig{
				EventType:         cfg.Events.EventType,
				VersionField:      cfg.Events.VersionField,
				AssumeVersion:     cfg.Events.AssumeVersion,
				SupportedVersions: cfg.Events.SupportedVersions,
			}, nil),
			Mapper:   mapper,
			Registry: reg,
			Metrics:  m,
			Tracker:  tracker,
		},
		registry: reg,
		metrics:  m,
		tracker:  tracker,
	}
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

// fakeTracker records goroutine lifecycle calls.
type fakeTracker struct {
	mu      sync.Mutex
	running map[string]bool
	events  []string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{running: make(map[string]bool)}
}

func (f *fakeTracker) RegisterGoroutine(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = true
	f.events = append(f.events, "register "+name)
}

func (f *fakeTracker) UpdateGoroutine(string) {}

func (f *fakeTracker) UnregisterGoroutine(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = false
	f.events = append(f.events, "unregister "+name)
}

func (f *fakeTracker) RemoveGoroutine(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	f.events = append(f.events, "remove "+name)
}

func (f *fakeTracker) snapshot() (map[string]bool, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running := make(map[string]bool, len(f.running))
	for k, v := range f.running {
		running[k] = v
	}
	return running, append([]string(nil), f.events...)
}
