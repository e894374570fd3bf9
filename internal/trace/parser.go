// Package trace decodes FoundationDB JSON trace lines.
//
// Every line is first parsed as generic JSON and then dispatched on its
// type tag. Lines of the configured event type with a supported schema
// version decode into an Event; everything else is reported through one of
// the sentinel errors so the caller can count and skip it.
package trace

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/valyala/fastjson"

	"github.com/dray-io/fdbexporter/internal/logging"
)

var (
	// ErrMalformed reports a line that is not a JSON object with the
	// required header fields.
	ErrMalformed = errors.New("malformed trace line")

	// ErrIrrelevant reports a well-formed event of another type.
	ErrIrrelevant = errors.New("irrelevant trace event")

	// ErrUnsupportedVersion reports an event of the configured type whose
	// schema version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported event version")
)

// Failure reasons returned by Reason.
const (
	ReasonMalformed          = "malformed"
	ReasonIrrelevant         = "irrelevant"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonUnknown            = "unknown"
)

// Reason maps a Parse error to a short label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, ErrIrrelevant):
		return ReasonIrrelevant
	case errors.Is(err, ErrUnsupportedVersion):
		return ReasonUnsupportedVersion
	default:
		return ReasonUnknown
	}
}

// Measurement is one numeric field of an event. FDB counters are logged as
// "<rate> <roughness> <total>"; those keep all three parts with Counter set
// and Value holding the running total.
type Measurement struct {
	Value     float64
	Rate      float64
	Roughness float64
	Counter   bool
}

// Event is a decoded trace event.
type Event struct {
	Type     string
	Version  int
	Machine  string
	Severity int // 0 when absent or not a positive integer
	Time     float64

	// Measurements holds every numeric field outside the header.
	Measurements map[string]Measurement

	// Attributes holds all remaining fields as text. Nested values keep
	// their JSON encoding.
	Attributes map[string]string
}

// Label returns the text of field for use as a label value, looking at
// attributes first and falling back to the formatted measurement.
func (e *Event) Label(field string) string {
	if v, ok := e.Attributes[field]; ok {
		return v
	}
	if m, ok := e.Measurements[field]; ok {
		return strconv.FormatFloat(m.Value, 'f', -1, 64)
	}
	return ""
}

// ParserConfig configures a Parser.
type ParserConfig struct {
	// EventType is the type tag of events to decode. Default: StorageMetrics.
	EventType string

	// VersionField names the schema version field. Default: version.
	VersionField string

	// AssumeVersion is used for events without a version field. Zero
	// rejects such events as unsupported.
	AssumeVersion int

	// SupportedVersions lists the accepted schema versions. Default: [1].
	SupportedVersions []int
}

// Parser decodes trace lines. It is safe for concurrent use.
type Parser struct {
	cfg       ParserConfig
	supported map[int]struct{}
	pool      fastjson.ParserPool
	log       *logging.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

var (
	typeKeys     = []string{"Type", "type"}
	machineKeys  = []string{"Machine", "machine"}
	severityKeys = []string{"Severity", "severity"}
	timeKeys     = []string{"Time", "time"}

	// Identifiers FDB writes on every event. They may look numeric but are
	// never measurements.
	metadataKeys = map[string]struct{}{
		"DateTime":        {},
		"ID":              {},
		"ThreadID":        {},
		"LogGroup":        {},
		"TrackLatestType": {},
	}
)

// NewParser creates a Parser. A nil logger discards output.
func NewParser(cfg ParserConfig, log *logging.Logger) *Parser {
	if cfg.EventType == "" {
		cfg.EventType = "StorageMetrics"
	}
	if cfg.VersionField == "" {
		cfg.VersionField = "version"
	}
	if len(cfg.SupportedVersions) == 0 {
		cfg.SupportedVersions = []int{1}
	}
	if log == nil {
		log = logging.Discard()
	}
	supported := make(map[int]struct{}, len(cfg.SupportedVersions))
	for _, v := range cfg.SupportedVersions {
		supported[v] = struct{}{}
	}
	return &Parser{
		cfg:       cfg,
		supported: supported,
		log:       log,
		warned:    make(map[string]struct{}),
	}
}

// Parse decodes one line. On ErrIrrelevant the returned event carries the
// header fields (Type, Machine, Severity, Time) and nothing else; on
// ErrUnsupportedVersion it carries the header and no measurements. On
// ErrMalformed the event is nil.
func (p *Parser) Parse(line []byte) (*Event, error) {
	jp := p.pool.Get()
	defer p.pool.Put(jp)

	v, err := jp.ParseBytes(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrMalformed, v.Type())
	}

	typ, ok := stringField(obj, typeKeys)
	if !ok || typ == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformed)
	}

	ev := &Event{Type: typ}
	ev.Machine, _ = stringField(obj, machineKeys)
	if sv := lookup(obj, severityKeys); sv != nil {
		if n, ok := numberValue(sv); ok && n >= 1 && n <= math.MaxInt32 && n == math.Trunc(n) {
			ev.Severity = int(n)
		}
	}
	if tv := lookup(obj, timeKeys); tv != nil {
		if n, ok := numberValue(tv); ok {
			ev.Time = n
		}
	}

	if typ != p.cfg.EventType {
		return ev, fmt.Errorf("%w: %s", ErrIrrelevant, typ)
	}
	if ev.Machine == "" {
		return nil, fmt.Errorf("%w: %s event without machine", ErrMalformed, typ)
	}

	version, raw, ok := p.version(obj)
	ev.Version = version
	if !ok {
		p.warnOnce(raw)
		return ev, fmt.Errorf("%w: %s", ErrUnsupportedVersion, raw)
	}

	ev.Measurements = make(map[string]Measurement)
	ev.Attributes = make(map[string]string)
	obj.Visit(func(k []byte, fv *fastjson.Value) {
		key := string(k)
		if p.isHeader(key) {
			return
		}
		if _, meta := metadataKeys[key]; meta {
			ev.Attributes[key] = textValue(fv)
			return
		}
		if m, ok := measurement(fv); ok {
			ev.Measurements[key] = m
			return
		}
		if fv.Type() != fastjson.TypeNull {
			ev.Attributes[key] = textValue(fv)
		}
	})
	return ev, nil
}

// version resolves the schema version of an event. raw is the version as
// written, used for logging.
func (p *Parser) version(obj *fastjson.Object) (version int, raw string, ok bool) {
	fv := obj.Get(p.cfg.VersionField)
	if fv == nil {
		if p.cfg.AssumeVersion == 0 {
			return 0, "<absent>", false
		}
		version = p.cfg.AssumeVersion
		raw = strconv.Itoa(version)
	} else {
		raw = textValue(fv)
		n, isNum := numberValue(fv)
		if !isNum || n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
			return 0, raw, false
		}
		version = int(n)
	}
	_, ok = p.supported[version]
	return version, raw, ok
}

func (p *Parser) warnOnce(raw string) {
	p.mu.Lock()
	_, seen := p.warned[raw]
	if !seen {
		p.warned[raw] = struct{}{}
	}
	p.mu.Unlock()
	if seen {
		return
	}
	p.log.Warnf("skipping events with unsupported version", map[string]any{
		"event_type": p.cfg.EventType,
		"version":    raw,
		"supported":  p.cfg.SupportedVersions,
	})
}

func (p *Parser) isHeader(key string) bool {
	if key == p.cfg.VersionField {
		return true
	}
	for _, keys := range [][]string{typeKeys, machineKeys, severityKeys, timeKeys} {
		for _, k := range keys {
			if k == key {
				return true
			}
		}
	}
	return false
}

func lookup(obj *fastjson.Object, keys []string) *fastjson.Value {
	for _, k := range keys {
		if v := obj.Get(k); v != nil {
			return v
		}
	}
	return nil
}

func stringField(obj *fastjson.Object, keys []string) (string, bool) {
	v := lookup(obj, keys)
	if v == nil {
		return "", false
	}
	b, err := v.StringBytes()
	if err != nil {
		return "", false
	}
	return string(b), true
}

// numberValue reads a JSON number or a string holding a single finite number.
func numberValue(v *fastjson.Value) (float64, bool) {
	switch v.Type() {
	case fastjson.TypeNumber:
		f, err := v.Float64()
		return f, err == nil
	case fastjson.TypeString:
		return parseFloat(strings.TrimSpace(string(v.GetStringBytes())))
	default:
		return 0, false
	}
}

func measurement(v *fastjson.Value) (Measurement, bool) {
	switch v.Type() {
	case fastjson.TypeNumber:
		f, err := v.Float64()
		if err != nil {
			return Measurement{}, false
		}
		return Measurement{Value: f}, true
	case fastjson.TypeString:
		return parseMeasurement(string(v.GetStringBytes()))
	default:
		return Measurement{}, false
	}
}

// parseMeasurement accepts "<number>" or an FDB counter "<rate> <roughness> <total>".
func parseMeasurement(s string) (Measurement, bool) {
	parts := strings.Fields(s)
	switch len(parts) {
	case 1:
		f, ok := parseFloat(parts[0])
		return Measurement{Value: f}, ok
	case 3:
		var nums [3]float64
		for i, part := range parts {
			f, ok := parseFloat(part)
			if !ok {
				return Measurement{}, false
			}
			nums[i] = f
		}
		return Measurement{Rate: nums[0], Roughness: nums[1], Value: nums[2], Counter: true}, true
	default:
		return Measurement{}, false
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func textValue(v *fastjson.Value) string {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	default:
		return string(v.MarshalTo(nil))
	}
}
