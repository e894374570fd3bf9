package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dray-io/fdbexporter/internal/config"
	"github.com/dray-io/fdbexporter/internal/exporter"
	"github.com/dray-io/fdbexporter/internal/ingest"
	"github.com/dray-io/fdbexporter/internal/logging"
	"github.com/dray-io/fdbexporter/internal/metrics"
	"github.com/dray-io/fdbexporter/internal/registry"
	"github.com/dray-io/fdbexporter/internal/samplegen"
	"github.com/dray-io/fdbexporter/internal/server"
	"github.com/dray-io/fdbexporter/internal/tail"
	"github.com/dray-io/fdbexporter/internal/trace"
)

// ErrLogDir is returned by Start when the log directory cannot be used.
var ErrLogDir = errors.New("log directory unavailable")

// Options contains the configuration for creating an exporter.
type Options struct {
	Config     *config.Config
	Logger     *logging.Logger
	InstanceID string
	Version    string
	GitCommit  string
	BuildTime  string
}

// Exporter is a running exporter process: one watcher over the log
// directory, the shared registry and the HTTP listener.
type Exporter struct {
	opts   Options
	logger *logging.Logger

	registry     *registry.Registry
	promRegistry *prometheus.Registry
	healthServer *server.HealthServer
	watcher      *ingest.Watcher
	generator    *samplegen.Generator

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewExporter creates an Exporter but does not start it.
func NewExporter(opts Options) (*Exporter, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &Exporter{
		opts:   opts,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}, nil
}

// Start builds every component, opens the listener and runs until ctx is
// done, Shutdown is called or a component fails. Configuration problems
// are returned before the listener is opened.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("exporter already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(logging.WithLoggerCtx(ctx, e.logger))
	e.cancel = cancel
	e.mu.Unlock()
	defer close(e.done)
	defer cancel()

	cfg := e.opts.Config
	e.logger.Infof("starting exporter", map[string]any{
		"instanceId": e.opts.InstanceID,
		"logDir":     cfg.Ingest.LogDir,
		"listenAddr": cfg.Observability.ListenAddr,
		"version":    e.opts.Version,
	})

	if err := prepareLogDir(cfg); err != nil {
		return err
	}

	if err := e.build(); err != nil {
		return err
	}

	e.healthServer.RegisterReadinessCheck(server.NewLogDirChecker(cfg.Ingest.LogDir))
	e.healthServer.RegisterReadinessCheck(server.NewStartedChecker("watcher", e.watcher))
	if err := e.healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return e.watcher.Run(gctx)
	})
	if e.generator != nil {
		g.Go(func() error {
			return e.generator.Run(gctx)
		})
	}
	return g.Wait()
}

// build wires the parser, mapper, registry and metrics into a watcher and
// prepares the HTTP listener.
func (e *Exporter) build() error {
	cfg := e.opts.Config

	mapper, err := ingest.NewMapper(cfg.Events, cfg.Metrics)
	if err != nil {
		return err
	}

	e.registry = registry.New(registry.Options{DefaultBuckets: cfg.Events.DefaultBuckets})

	e.promRegistry = prometheus.NewRegistry()
	e.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ingestMetrics := metrics.NewIngestMetricsWithRegistry(e.promRegistry)
	snapshotMetrics := metrics.NewSnapshotMetricsWithRegistry(e.promRegistry)
	metrics.RegisterBuildInfo(e.promRegistry, e.opts.Version, e.opts.GitCommit, e.opts.InstanceID)
	e.promRegistry.MustRegister(exporter.NewCollector(e.registry, snapshotMetrics))

	hs := server.NewHealthServer(cfg.Observability.ListenAddr, e.logger)
	hs.EnablePprof(cfg.Observability.EnablePprof)
	hs.SetTLS(server.TLSConfig{
		CertFile: cfg.Observability.TLS.CertFile,
		KeyFile:  cfg.Observability.TLS.KeyFile,
	})
	hs.RegisterHandler("/metrics", metrics.NewHandler(e.promRegistry, e.promRegistry, e.logger))

	pollInterval := time.Duration(cfg.Ingest.PollIntervalMs) * time.Millisecond
	// Aggregators report in once per poll.
	hs.SetGoroutineStaleAfter(10 * pollInterval)

	e.mu.Lock()
	e.healthServer = hs
	e.mu.Unlock()

	deps := ingest.Deps{
		Parser: trace.NewParser(trace.ParserConfig{
			EventType:         cfg.Events.EventType,
			VersionField:      cfg.Events.VersionField,
			AssumeVersion:     cfg.Events.AssumeVersion,
			SupportedVersions: cfg.Events.SupportedVersions,
		}, e.logger),
		Mapper:   mapper,
		Registry: e.registry,
		Metrics:  ingestMetrics,
		Logger:   e.logger,
		Tracker:  hs,
	}

	e.watcher = ingest.NewWatcher(ingest.WatcherConfig{
		Dir:            cfg.Ingest.LogDir,
		Pattern:        cfg.Ingest.FilePattern,
		RescanInterval: time.Duration(cfg.Ingest.RescanIntervalMs) * time.Millisecond,
		UseFSNotify:    cfg.Ingest.UseFSNotify,
		PollInterval:   pollInterval,
		StaleTimeout:   time.Duration(cfg.Ingest.StaleSourceTimeoutMs) * time.Millisecond,
		Reader: tail.ReaderConfig{
			MaxLineBytes: cfg.Ingest.MaxLineBytes,
			StartAtEnd:   cfg.Ingest.StartAtEnd,
		},
	}, deps)

	if cfg.Samples.Enabled {
		e.generator = samplegen.New(samplegen.Config{
			Dir:          cfg.Ingest.LogDir,
			FileName:     cfg.Samples.FileName,
			Machine:      cfg.Samples.Machine,
			Interval:     time.Duration(cfg.Samples.IntervalMs) * time.Millisecond,
			EventType:    cfg.Events.EventType,
			VersionField: cfg.Events.VersionField,
			Version:      firstVersion(cfg.Events.SupportedVersions),
		}, e.logger)
	}
	return nil
}

func firstVersion(versions []int) int {
	if len(versions) == 0 {
		return 1
	}
	return versions[0]
}

// prepareLogDir checks that the log directory exists. With sample
// generation enabled a missing directory is created instead.
func prepareLogDir(cfg *config.Config) error {
	dir := cfg.Ingest.LogDir
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%w: %s is not a directory", ErrLogDir, dir)
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist) && cfg.Samples.Enabled:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrLogDir, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrLogDir, err)
	}
}

// Addr returns the HTTP address. It is the bound address once the listener
// is open and "" before Start has built the listener.
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.healthServer == nil {
		return ""
	}
	return e.healthServer.Addr()
}

// Shutdown stops the watcher and every aggregator, then closes the
// listener. It waits for Start to return until ctx is done.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	hs := e.healthServer
	e.mu.Unlock()

	e.logger.Info("shutting down exporter")
	if hs != nil {
		hs.SetShuttingDown()
	}
	cancel()

	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for aggregators: %w", ctx.Err())
	}

	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			e.logger.Warnf("error closing http server", map[string]any{"error": err.Error()})
		}
	}

	e.logger.Info("exporter shutdown complete")
	return nil
}
