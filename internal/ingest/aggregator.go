// Package ingest drives trace files through parsing into the metric registry.
//
// One Aggregator follows one file: it polls a tail.Reader, decodes each line,
// maps StorageMetrics events to samples and applies them to the shared
// registry. A Watcher discovers files in the log directory and runs one
// Aggregator per file.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dray-io/fdbexporter/internal/logging"
	"github.com/dray-io/fdbexporter/internal/metrics"
	"github.com/dray-io/fdbexporter/internal/registry"
	"github.com/dray-io/fdbexporter/internal/tail"
	"github.com/dray-io/fdbexporter/internal/trace"
)

// ErrSourceGone is returned by Run when the file could not be read for
// longer than the stale source timeout.
var ErrSourceGone = errors.New("log source gone")

// Applier receives samples. *registry.Registry implements it.
type Applier interface {
	Apply(registry.Sample) error
}

// GoroutineTracker is told about long-running goroutines so liveness
// probes can report them. *server.HealthServer implements it.
// UnregisterGoroutine marks a goroutine as failed; RemoveGoroutine forgets a
// goroutine that finished its work.
type GoroutineTracker interface {
	RegisterGoroutine(name string)
	UpdateGoroutine(name string)
	UnregisterGoroutine(name string)
	RemoveGoroutine(name string)
}

// State is the phase an Aggregator is in.
type State int32

const (
	StateIdle State = iota
	StateReading
	StateApplying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateApplying:
		return "applying"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are running totals for one Aggregator.
type Stats struct {
	Lines              uint64
	Events             uint64
	Malformed          uint64
	Irrelevant         uint64
	UnsupportedVersion uint64
	ApplyErrors        uint64
	ReadErrors         uint64
	Rotations          uint64
	Truncations        uint64
	Dropped            uint64
	OutOfOrder         uint64
}

type stats struct {
	lines       atomic.Uint64
	events      atomic.Uint64
	malformed   atomic.Uint64
	irrelevant  atomic.Uint64
	unsupported atomic.Uint64
	applyErrors atomic.Uint64
	readErrors  atomic.Uint64
	rotations   atomic.Uint64
	truncations atomic.Uint64
	dropped     atomic.Uint64
	outOfOrder  atomic.Uint64
}

// Deps are the collaborators shared by every Aggregator of a process.
// Metrics, Logger and Tracker may be nil.
type Deps struct {
	Parser   *trace.Parser
	Mapper   *Mapper
	Registry Applier
	Metrics  *metrics.IngestMetrics
	Logger   *logging.Logger
	Tracker  GoroutineTracker
}

// AggregatorConfig configures one Aggregator.
type AggregatorConfig struct {
	Path string

	// PollInterval is the time between polls. Default: 2s.
	PollInterval time.Duration

	// StaleTimeout ends Run with ErrSourceGone once reads have failed for
	// this long. Zero disables it.
	StaleTimeout time.Duration

	Reader tail.ReaderConfig
}

// Aggregator owns the read, parse and apply loop for one file.
type Aggregator struct {
	cfg    AggregatorConfig
	deps   Deps
	reader *tail.Reader
	log    *logging.Logger
	name   string
	wake   chan struct{}
	now    func() time.Time

	state atomic.Int32
	stats stats

	// Owned by the polling goroutine.
	lastOK       time.Time
	lastTime     float64
	warnedApply  map[string]struct{}
	failingReads bool
}

// NewAggregator creates an Aggregator for cfg.Path.
func NewAggregator(cfg AggregatorConfig, deps Deps) *Aggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}
	a := &Aggregator{
		cfg:         cfg,
		deps:        deps,
		reader:      tail.NewReader(cfg.Path, cfg.Reader),
		log:         log.WithComponent("aggregator").WithSource(cfg.Path),
		name:        "aggregator:" + cfg.Path,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
		warnedApply: make(map[string]struct{}),
	}
	a.lastOK = a.now()
	return a
}

// Path returns the followed file.
func (a *Aggregator) Path() string {
	return a.cfg.Path
}

// State returns the current phase.
func (a *Aggregator) State() State {
	return State(a.state.Load())
}

// Stats returns a copy of the running totals.
func (a *Aggregator) Stats() Stats {
	s := &a.stats
	return Stats{
		Lines:              s.lines.Load(),
		Events:             s.events.Load(),
		Malformed:          s.malformed.Load(),
		Irrelevant:         s.irrelevant.Load(),
		UnsupportedVersion: s.unsupported.Load(),
		ApplyErrors:        s.applyErrors.Load(),
		ReadErrors:         s.readErrors.Load(),
		Rotations:          s.rotations.Load(),
		Truncations:        s.truncations.Load(),
		Dropped:            s.dropped.Load(),
		OutOfOrder:         s.outOfOrder.Load(),
	}
}

// Nudge asks a running Aggregator to poll now instead of waiting for the
// next tick. It never blocks.
func (a *Aggregator) Nudge() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done, returning nil, or until the file has been
// unreadable for StaleTimeout, returning ErrSourceGone. Bad lines and
// transient read failures never end the loop.
func (a *Aggregator) Run(ctx context.Context) error {
	if a.deps.Tracker != nil {
		a.deps.Tracker.RegisterGoroutine(a.name)
		defer a.deps.Tracker.RemoveGoroutine(a.name)
	}
	defer a.state.Store(int32(StateStopped))

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := a.PollOnce(ctx); errors.Is(err, ErrSourceGone) {
			return err
		}
		if a.deps.Tracker != nil {
			a.deps.Tracker.UpdateGoroutine(a.name)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

// PollOnce reads and applies whatever was appended since the last poll and
// returns the number of lines handled. Read failures are returned wrapped
// in tail.ErrUnavailable, or as ErrSourceGone once they have lasted for
// StaleTimeout.
func (a *Aggregator) PollOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := a.now()
	a.state.Store(int32(StateReading))
	defer a.state.Store(int32(StateIdle))

	ps, err := a.reader.Poll(ctx, a.handleLine)
	a.deps.Metrics.ObservePoll(time.Since(start).Seconds())
	a.recordPoll(ps)

	if err != nil && errors.Is(err, tail.ErrUnavailable) {
		return ps.Lines, a.readFailed(err)
	}
	if a.failingReads {
		a.failingReads = false
		a.log.Info("log source readable again")
	}
	a.lastOK = a.now()
	return ps.Lines, err
}

func (a *Aggregator) readFailed(err error) error {
	a.stats.readErrors.Add(1)
	a.deps.Metrics.RecordReadError()
	if !a.failingReads {
		a.failingReads = true
		a.log.Warnf("log source unavailable", map[string]any{"error": err.Error()})
	}

	if a.cfg.StaleTimeout > 0 && a.now().Sub(a.lastOK) >= a.cfg.StaleTimeout {
		a.log.Warnf("giving up on log source", map[string]any{
			"unavailable_for": a.now().Sub(a.lastOK).String(),
		})
		return fmt.Errorf("%w: %s: %v", ErrSourceGone, a.cfg.Path, err)
	}
	return err
}

func (a *Aggregator) recordPoll(ps tail.PollStats) {
	if ps.Lines > 0 {
		a.stats.lines.Add(uint64(ps.Lines))
		a.deps.Metrics.RecordLines(ps.Lines)
	}
	if ps.Dropped > 0 {
		a.stats.dropped.Add(uint64(ps.Dropped))
		a.deps.Metrics.RecordDropped(ps.Dropped)
		a.log.Warnf("dropped oversized lines", map[string]any{"count": ps.Dropped})
	}
	if ps.Rotated {
		a.stats.rotations.Add(1)
		a.deps.Metrics.RecordRotation(metrics.RotationReplaced)
		a.log.Info("log file replaced, reading from the start")
	}
	if ps.Truncated {
		a.stats.truncations.Add(1)
		a.deps.Metrics.RecordRotation(metrics.RotationTruncated)
		a.log.Info("log file truncated, reading from the start")
	}
}

// handleLine processes one line. It never returns an error: a bad line is
// counted and skipped.
func (a *Aggregator) handleLine(line tail.RawLine) error {
	a.state.Store(int32(StateApplying))
	defer a.state.Store(int32(StateReading))

	ev, err := a.deps.Parser.Parse(line.Data)
	if ev != nil {
		a.deps.Metrics.RecordSeverity(ev.Severity)
	}
	if err != nil {
		a.parseFailed(line, err)
		return nil
	}

	if ev.Time > 0 {
		if ev.Time < a.lastTime {
			a.stats.outOfOrder.Add(1)
			a.deps.Metrics.RecordOutOfOrder()
		} else {
			a.lastTime = ev.Time
		}
	}

	for _, s := range a.deps.Mapper.Samples(ev) {
		if err := a.deps.Registry.Apply(s); err != nil {
			a.applyFailed(s, err)
		}
	}
	a.stats.events.Add(1)
	a.deps.Metrics.RecordEvent()
	return nil
}

func (a *Aggregator) parseFailed(line tail.RawLine, err error) {
	reason := trace.Reason(err)
	a.deps.Metrics.RecordParseFailure(reason)

	switch reason {
	case trace.ReasonIrrelevant:
		a.stats.irrelevant.Add(1)
	case trace.ReasonUnsupportedVersion:
		a.stats.unsupported.Add(1)
	default:
		a.stats.malformed.Add(1)
		a.log.Debugf("skipping malformed line", map[string]any{
			"offset": line.Offset,
			"error":  err.Error(),
		})
	}
}

func (a *Aggregator) applyFailed(s registry.Sample, err error) {
	a.stats.applyErrors.Add(1)
	a.deps.Metrics.RecordApplyError()
	if _, seen := a.warnedApply[s.Name]; seen {
		return
	}
	a.warnedApply[s.Name] = struct{}{}
	a.log.Warnf("sample rejected by registry", map[string]any{
		"metric": s.Name,
		"error":  err.Error(),
	})
}
