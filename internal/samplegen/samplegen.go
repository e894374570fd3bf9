// Package samplegen appends synthetic storage-server trace events to a log
// file so the exporter can be tried without a running cluster.
package samplegen

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/valyala/fastjson"

	"github.com/dray-io/fdbexporter/internal/logging"
)

// Config configures a Generator.
type Config struct {
	// Dir is the directory the file is written to. It must exist.
	Dir string

	// FileName defaults to trace.0.json.
	FileName string

	// Machine is written into every event. Default: 127.0.0.1:4000.
	Machine string

	// Interval is the time between batches. Default: 5s.
	Interval time.Duration

	// EventType defaults to StorageMetrics.
	EventType string

	// VersionField names the schema version field. Empty omits it.
	VersionField string
	Version      int
}

// counter tracks one FoundationDB counter triple.
type counter struct {
	name  string
	total float64
	step  float64
}

// Generator writes one metrics event and one unrelated event per tick.
type Generator struct {
	cfg   Config
	path  string
	log   *logging.Logger
	now   func() time.Time
	rng   *rand.Rand
	arena fastjson.Arena

	seq      uint64
	version  int64
	counters []counter
}

// New creates a Generator. Nothing is written until Run or WriteBatch.
// A nil logger means Run logs through the logger carried by its context.
func New(cfg Config, logger *logging.Logger) *Generator {
	if cfg.FileName == "" {
		cfg.FileName = "trace.0.json"
	}
	if cfg.Machine == "" {
		cfg.Machine = "127.0.0.1:4000"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.EventType == "" {
		cfg.EventType = "StorageMetrics"
	}
	g := &Generator{
		cfg:     cfg,
		path:    filepath.Join(cfg.Dir, cfg.FileName),
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(1, 2)),
		version: 100,
		counters: []counter{
			{name: "BytesInput", step: 4096},
			{name: "BytesDurable", step: 4000},
			{name: "MutationBytes", step: 2048},
			{name: "Mutations", step: 40},
			{name: "QueryQueue", step: 25},
			{name: "FinishedQueries", step: 25},
			{name: "RowsQueried", step: 120},
			{name: "BytesQueried", step: 8192},
		},
	}
	if logger != nil {
		g.log = logger.WithComponent("samplegen")
	}
	return g
}

// Path returns the file the generator appends to.
func (g *Generator) Path() string {
	return g.path
}

// Run writes a batch immediately and then once per interval until ctx is
// done. Write failures are logged and retried on the next tick.
func (g *Generator) Run(ctx context.Context) error {
	if g.log == nil {
		g.log = logging.FromCtx(ctx).WithComponent("samplegen")
	}
	g.log.Infof("writing sample events", map[string]any{
		"path":     g.path,
		"interval": g.cfg.Interval.String(),
	})

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := g.WriteBatch(); err != nil {
			g.log.Warnf("sample write failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WriteBatch appends one metrics event and one unrelated event.
func (g *Generator) WriteBatch() error {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", g.path, err)
	}
	defer f.Close()

	buf := g.appendMetricsEvent(nil)
	buf = append(buf, '\n')
	buf = g.appendRoleEvent(buf)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", g.path, err)
	}
	return nil
}

func (g *Generator) header(typ string) *fastjson.Value {
	a := &g.arena
	ev := a.NewObject()
	ev.Set("Severity", a.NewString("10"))
	ev.Set("Time", a.NewString(strconv.FormatFloat(float64(g.now().UnixMicro())/1e6, 'f', 6, 64)))
	ev.Set("DateTime", a.NewString(g.now().UTC().Format("2006-01-02T15:04:05Z")))
	ev.Set("Type", a.NewString(typ))
	ev.Set("Machine", a.NewString(g.cfg.Machine))
	ev.Set("ID", a.NewString("0000000000000000"))
	return ev
}

// appendMetricsEvent appends an event shaped like a storage server's
// periodic metrics: counter triples, gauges and a latency sample.
func (g *Generator) appendMetricsEvent(dst []byte) []byte {
	defer g.arena.Reset()
	a := &g.arena
	g.seq++
	elapsed := g.cfg.Interval.Seconds()

	ev := g.header(g.cfg.EventType)
	if g.cfg.VersionField != "" {
		ev.Set(g.cfg.VersionField, a.NewNumberInt(g.cfg.Version))
	}
	ev.Set("Roles", a.NewString("SS"))
	ev.Set("Elapsed", a.NewString(strconv.FormatFloat(elapsed, 'f', 6, 64)))

	for i := range g.counters {
		c := &g.counters[i]
		delta := c.step * (0.5 + g.rng.Float64())
		c.total += delta
		triple := fmt.Sprintf("%g %g %.0f", delta/elapsed, 0.5+g.rng.Float64()/2, c.total)
		ev.Set(c.name, a.NewString(triple))
	}

	durable := g.version
	g.version += int64(1e6 * elapsed)
	ev.Set("Version", a.NewString(strconv.FormatInt(g.version, 10)))
	ev.Set("DurableVersion", a.NewString(strconv.FormatInt(durable, 10)))
	ev.Set("VersionLag", a.NewString(strconv.FormatInt(g.version-durable, 10)))
	ev.Set("QueryQueueMax", a.NewString(strconv.Itoa(g.rng.IntN(50))))
	ev.Set("LocalRate", a.NewString("100"))
	ev.Set("KvstoreBytesUsed", a.NewString(strconv.FormatUint(1<<30+g.seq*4096, 10)))
	ev.Set("KvstoreBytesFree", a.NewString(strconv.FormatInt(100<<30, 10)))
	ev.Set("KvstoreBytesAvailable", a.NewString(strconv.FormatInt(100<<30, 10)))
	ev.Set("KvstoreBytesTotal", a.NewString(strconv.FormatInt(200<<30, 10)))
	ev.Set("ReadLatency", a.NewNumberFloat64(float64(50+g.rng.IntN(5000))))

	return ev.MarshalTo(dst)
}

// appendRoleEvent appends an event the exporter ignores.
func (g *Generator) appendRoleEvent(dst []byte) []byte {
	defer g.arena.Reset()
	a := &g.arena

	ev := g.header("Role")
	ev.Set("As", a.NewString("StorageServer"))
	ev.Set("Transition", a.NewString("Refresh"))
	ev.Set("Sequence", a.NewNumberString(strconv.FormatUint(g.seq, 10)))
	return ev.MarshalTo(dst)
}
