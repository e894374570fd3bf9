// Package registry holds the exporter's metric instruments.
//
// A Registry maps (name, label set) keys to instruments. Updates to one key
// are serialized by that instrument's own lock, so samples for unrelated
// keys never contend beyond a brief read lock on the key index. Snapshots
// copy each instrument under its lock and therefore never observe a
// partially applied sample.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidSample is returned for samples without a name, with empty
	// label keys, or with a non-finite value.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrKindMismatch is returned when a sample's kind or label keys differ
	// from those the metric name was first registered with.
	ErrKindMismatch = errors.New("metric kind mismatch")

	// ErrNegativeCounter is returned for a negative cumulative counter value.
	ErrNegativeCounter = errors.New("negative counter value")
)

// Kind is the type of an instrument.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	case KindSummary:
		return "summary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Labels is a set of label pairs.
type Labels map[string]string

// Keys returns the label names in sorted order.
func (l Labels) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the labels as k="v" pairs sorted by key. Values are
// quoted with Go escaping.
func (l Labels) String() string {
	var b strings.Builder
	for i, k := range l.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l[k]))
	}
	return b.String()
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Sample is one measurement to apply.
//
// For counters Value is the raw cumulative value reported upstream. For
// gauges it replaces the current value. For histograms and summaries it is
// one observation.
type Sample struct {
	Name   string
	Help   string
	Labels Labels
	Kind   Kind
	Value  float64

	// Buckets are histogram upper bounds used when the metric is first
	// created. Later samples cannot change them.
	Buckets []float64
}

// HistogramValue is a bucketed distribution. Counts are per bucket, not
// cumulative; Counts has one more element than Bounds for +Inf.
type HistogramValue struct {
	Bounds []float64
	Counts []uint64
	Count  uint64
	Sum    float64
}

// Quantile is one estimated quantile of a summary.
type Quantile struct {
	Quantile float64
	Value    float64
}

// SummaryValue is a quantile summary.
type SummaryValue struct {
	Count     uint64
	Sum       float64
	Quantiles []Quantile
}

// Entry is one instrument as seen by a snapshot. Entries are shared
// between concurrent snapshot callers and must not be modified.
type Entry struct {
	Name      string
	Help      string
	Labels    Labels
	Kind      Kind
	Value     float64
	Histogram *HistogramValue
	Summary   *SummaryValue
}

// Options configures a Registry.
type Options struct {
	// DefaultBuckets are used for histograms whose first sample carries
	// no buckets.
	DefaultBuckets []float64

	// Quantiles reported for summaries. Default: 0.5, 0.9, 0.99.
	Quantiles []float64

	// SummaryAccuracy is the relative accuracy of summary sketches.
	// Default: 0.01.
	SummaryAccuracy float64
}

var (
	defaultBuckets   = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	defaultQuantiles = []float64{0.5, 0.9, 0.99}
)

// family holds what every instrument of one metric name shares.
type family struct {
	kind      Kind
	help      string
	labelKeys string
	bounds    []float64
}

// Registry is a concurrency-safe set of instruments.
type Registry struct {
	opts Options

	mu          sync.RWMutex
	families    map[string]*family
	instruments map[string]*instrument

	snapshots singleflight.Group
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if len(opts.DefaultBuckets) == 0 {
		opts.DefaultBuckets = defaultBuckets
	}
	if len(opts.Quantiles) == 0 {
		opts.Quantiles = defaultQuantiles
	}
	if opts.SummaryAccuracy <= 0 || opts.SummaryAccuracy >= 1 {
		opts.SummaryAccuracy = 0.01
	}
	return &Registry{
		opts:        opts,
		families:    make(map[string]*family),
		instruments: make(map[string]*instrument),
	}
}

// Apply records one sample. It is linearizable per (name, labels) key.
func (r *Registry) Apply(s Sample) error {
	if err := validate(s); err != nil {
		return err
	}

	inst, err := r.instrument(s)
	if err != nil {
		return err
	}
	return inst.apply(s.Value)
}

// Len returns the number of instruments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}

// Snapshot returns every instrument, sorted by name and then by rendered
// labels. Concurrent callers share one snapshot, so a call that begins
// while another is in flight gets that result and may miss an Apply that
// returned in between. The next Snapshot includes it.
func (r *Registry) Snapshot() []Entry {
	v, _, _ := r.snapshots.Do("snapshot", func() (any, error) {
		return r.snapshot(), nil
	})
	return v.([]Entry)
}

func (r *Registry) snapshot() []Entry {
	r.mu.RLock()
	insts := make([]*instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		insts = append(insts, inst)
	}
	r.mu.RUnlock()

	sort.Slice(insts, func(i, j int) bool {
		if insts[i].name != insts[j].name {
			return insts[i].name < insts[j].name
		}
		return insts[i].labelText < insts[j].labelText
	})

	entries := make([]Entry, 0, len(insts))
	for _, inst := range insts {
		entries = append(entries, inst.entry())
	}
	return entries
}

func validate(s Sample) error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSample)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("%w: %s value %v", ErrInvalidSample, s.Name, s.Value)
	}
	for k := range s.Labels {
		if k == "" {
			return fmt.Errorf("%w: %s has an empty label name", ErrInvalidSample, s.Name)
		}
	}
	switch s.Kind {
	case KindCounter, KindGauge, KindHistogram, KindSummary:
	default:
		return fmt.Errorf("%w: %s has unknown kind %v", ErrInvalidSample, s.Name, s.Kind)
	}
	return nil
}

// instrumentKey encodes the name and every label pair with length
// prefixes, so distinct label sets never share a key whatever their
// values contain.
func instrumentKey(name string, labels Labels) string {
	b := make([]byte, 0, 64)
	b = appendField(b, name)
	for _, k := range labels.Keys() {
		b = appendField(b, k)
		b = appendField(b, labels[k])
	}
	return string(b)
}

func appendField(b []byte, s string) []byte {
	b = strconv.AppendInt(b, int64(len(s)), 10)
	b = append(b, ':')
	return append(b, s...)
}

// instrument returns the instrument for the sample's key, creating it and
// its family on first use.
func (r *Registry) instrument(s Sample) (*instrument, error) {
	labelText := s.Labels.String()
	key := instrumentKey(s.Name, s.Labels)
	labelKeys := strings.Join(s.Labels.Keys(), ",")

	r.mu.RLock()
	inst, ok := r.instruments[key]
	r.mu.RUnlock()
	if ok {
		if inst.kind != s.Kind {
			return nil, kindMismatch(s, inst.kind)
		}
		return inst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instruments[key]; ok {
		if inst.kind != s.Kind {
			return nil, kindMismatch(s, inst.kind)
		}
		return inst, nil
	}

	fam, ok := r.families[s.Name]
	if !ok {
		var err error
		fam, err = r.newFamily(s, labelKeys)
		if err != nil {
			return nil, err
		}
		r.families[s.Name] = fam
	}
	if fam.kind != s.Kind {
		return nil, kindMismatch(s, fam.kind)
	}
	if fam.labelKeys != labelKeys {
		return nil, fmt.Errorf("%w: %s has labels [%s], first registered with [%s]",
			ErrKindMismatch, s.Name, labelKeys, fam.labelKeys)
	}

	inst, err := r.newInstrument(s, fam, labelText)
	if err != nil {
		return nil, err
	}
	r.instruments[key] = inst
	return inst, nil
}

func kindMismatch(s Sample, have Kind) error {
	return fmt.Errorf("%w: %s is a %s, sample is a %s", ErrKindMismatch, s.Name, have, s.Kind)
}

func (r *Registry) newFamily(s Sample, labelKeys string) (*family, error) {
	fam := &family{kind: s.Kind, help: s.Help, labelKeys: labelKeys}
	if s.Kind == KindHistogram {
		bounds := s.Buckets
		if len(bounds) == 0 {
			bounds = r.opts.DefaultBuckets
		}
		for i := range bounds {
			if math.IsNaN(bounds[i]) || (i > 0 && bounds[i] <= bounds[i-1]) {
				return nil, fmt.Errorf("%w: %s buckets must be strictly increasing", ErrInvalidSample, s.Name)
			}
		}
		if math.IsInf(bounds[len(bounds)-1], 1) {
			bounds = bounds[:len(bounds)-1]
		}
		fam.bounds = append([]float64(nil), bounds...)
	}
	return fam, nil
}

func (r *Registry) newInstrument(s Sample, fam *family, labelText string) (*instrument, error) {
	inst := &instrument{
		name:      s.Name,
		help:      fam.help,
		labels:    s.Labels.clone(),
		labelText: labelText,
		kind:      s.Kind,
	}
	switch s.Kind {
	case KindHistogram:
		inst.bounds = fam.bounds
		inst.counts = make([]uint64, len(fam.bounds)+1)
	case KindSummary:
		sketch, err := ddsketch.NewDefaultDDSketch(r.opts.SummaryAccuracy)
		if err != nil {
			return nil, fmt.Errorf("create sketch for %s: %w", s.Name, err)
		}
		inst.sketch = sketch
		inst.quantiles = r.opts.Quantiles
	}
	return inst, nil
}
