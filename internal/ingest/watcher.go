package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dray-io/fdbexporter/internal/logging"
	"github.com/dray-io/fdbexporter/internal/tail"
)

const watcherGoroutine = "watcher"

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Dir is the directory scanned for trace files.
	Dir string

	// Pattern is the file name glob. Default: trace.*.json.
	Pattern string

	// RescanInterval is the time between directory scans. Default: 2s.
	RescanInterval time.Duration

	// UseFSNotify enables change notifications as a wake-up trigger on top
	// of polling.
	UseFSNotify bool

	// PollInterval and StaleTimeout are passed to every Aggregator.
	PollInterval time.Duration
	StaleTimeout time.Duration

	// Reader configures the readers of files found by the first scan.
	// Files that appear later are always read from the start.
	Reader tail.ReaderConfig
}

type source struct {
	agg    *Aggregator
	cancel context.CancelFunc
	done   chan struct{}
}

// Watcher discovers trace files and runs one Aggregator per file.
type Watcher struct {
	cfg  WatcherConfig
	deps Deps
	log  *logging.Logger

	mu      sync.Mutex
	sources map[string]*source
	scans   int

	started atomic.Bool
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher. Nothing runs until Run.
func NewWatcher(cfg WatcherConfig, deps Deps) *Watcher {
	if cfg.Pattern == "" {
		cfg.Pattern = "trace.*.json"
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 2 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Watcher{
		cfg:     cfg,
		deps:    deps,
		log:     log.WithComponent("watcher"),
		sources: make(map[string]*source),
	}
}

// Started reports whether Run has completed its first scan.
func (w *Watcher) Started() bool {
	return w.started.Load()
}

// Sources returns the paths currently followed, sorted.
func (w *Watcher) Sources() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.sources))
	for p := range w.sources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Stats returns the statistics of the Aggregator following path.
func (w *Watcher) Stats(path string) (Stats, bool) {
	w.mu.Lock()
	src, ok := w.sources[path]
	w.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return src.agg.Stats(), true
}

// Run scans the directory, starts aggregators for matching files and keeps
// rescanning until ctx is done. It then stops every aggregator and waits
// for them before returning.
func (w *Watcher) Run(ctx context.Context) error {
	if w.deps.Tracker != nil {
		w.deps.Tracker.RegisterGoroutine(watcherGoroutine)
		defer w.deps.Tracker.UnregisterGoroutine(watcherGoroutine)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		w.wg.Wait()
		w.deps.Metrics.SetSources(0)
	}()

	if _, err := w.Scan(runCtx); err != nil {
		w.log.Warnf("initial scan failed", map[string]any{"dir": w.cfg.Dir, "error": err.Error()})
	}
	w.started.Store(true)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.cfg.UseFSNotify {
		fw, err := w.notifier()
		if err != nil {
			w.log.Warnf("file notifications unavailable, polling only", map[string]any{"error": err.Error()})
		} else {
			defer fw.Close()
			events, errs = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("stopping aggregators")
			return nil
		case <-ticker.C:
			if _, err := w.Scan(runCtx); err != nil {
				w.log.Warnf("scan failed", map[string]any{"dir": w.cfg.Dir, "error": err.Error()})
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEvent(runCtx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warnf("file notification error", map[string]any{"error": err.Error()})
		}
		if w.deps.Tracker != nil {
			w.deps.Tracker.UpdateGoroutine(watcherGoroutine)
		}
	}
}

func (w *Watcher) notifier() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create notifier: %w", err)
	}
	if err := fw.Add(w.cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	return fw, nil
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ok, _ := filepath.Match(w.cfg.Pattern, filepath.Base(ev.Name)); !ok {
		return
	}
	if ev.Has(fsnotify.Create) {
		if _, err := w.Scan(ctx); err != nil {
			w.log.Warnf("scan failed", map[string]any{"dir": w.cfg.Dir, "error": err.Error()})
		}
	}

	w.mu.Lock()
	src, ok := w.sources[ev.Name]
	w.mu.Unlock()
	if ok {
		src.agg.Nudge()
	}
}

// Scan lists the directory once and starts an Aggregator for every
// matching file not already followed. It returns the number started.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(w.cfg.Dir, w.cfg.Pattern))
	if err != nil {
		return 0, fmt.Errorf("glob %s: %w", w.cfg.Pattern, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	readerCfg := w.cfg.Reader
	if w.scans > 0 {
		readerCfg.StartAtEnd = false
	}
	w.scans++

	started := 0
	for _, path := range matches {
		if _, ok := w.sources[path]; ok {
			continue
		}
		w.startLocked(ctx, path, readerCfg)
		started++
	}
	w.deps.Metrics.SetSources(len(w.sources))
	return started, nil
}

func (w *Watcher) startLocked(ctx context.Context, path string, readerCfg tail.ReaderConfig) {
	agg := NewAggregator(AggregatorConfig{
		Path:         path,
		PollInterval: w.cfg.PollInterval,
		StaleTimeout: w.cfg.StaleTimeout,
		Reader:       readerCfg,
	}, w.deps)

	aggCtx, cancel := context.WithCancel(ctx)
	src := &source{agg: agg, cancel: cancel, done: make(chan struct{})}
	w.sources[path] = src
	w.log.Infof("following log file", map[string]any{"path": path})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(src.done)
		defer cancel()

		err := agg.Run(aggCtx)
		if errors.Is(err, ErrSourceGone) {
			w.remove(path, src)
		}
	}()
}

// remove forgets src so a later scan can pick the path up again.
func (w *Watcher) remove(path string, src *source) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.sources[path]; ok && cur == src {
		delete(w.sources, path)
		w.log.Infof("stopped following log file", map[string]any{"path": path})
	}
	w.deps.Metrics.SetSources(len(w.sources))
}
