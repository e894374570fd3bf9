package ingest

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/dray-io/fdbexporter/internal/config"
	"github.com/dray-io/fdbexporter/internal/registry"
	"github.com/dray-io/fdbexporter/internal/trace"
)

// MachineLabel is the label carrying the event's machine identifier.
const MachineLabel = "machine"

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

type labelField struct {
	field string
	label string
}

type definition struct {
	name    string
	help    string
	kind    registry.Kind
	rate    bool
	buckets []float64
}

// Mapper turns decoded events into registry samples.
type Mapper struct {
	prefix         string
	labels         []labelField
	labelSet       map[string]struct{}
	defs           map[string][]definition
	exportUnlisted bool

	// owners maps every metric name to the field it belongs to. Defined
	// names are fixed at construction; names derived for unlisted fields
	// go to the first field seen with them.
	mu     sync.Mutex
	owners map[string]string
}

// NewMapper builds a Mapper from the events configuration and the metric
// definitions. Definitions without a name get one derived from their field.
func NewMapper(events config.EventsConfig, defs []config.MetricDefinition) (*Mapper, error) {
	m := &Mapper{
		prefix:         events.MetricPrefix,
		labelSet:       make(map[string]struct{}),
		defs:           make(map[string][]definition),
		owners:         make(map[string]string),
		exportUnlisted: events.ExportUnlisted,
	}

	seen := map[string]string{MachineLabel: "Machine"}
	for _, field := range events.LabelFields {
		label := SnakeCase(field)
		if label == "" {
			return nil, fmt.Errorf("label field %q does not yield a label name", field)
		}
		if other, dup := seen[label]; dup {
			return nil, fmt.Errorf("label field %s maps to label %q, already used by %s", field, label, other)
		}
		seen[label] = field
		m.labels = append(m.labels, labelField{field: field, label: label})
		m.labelSet[field] = struct{}{}
	}

	for _, d := range defs {
		def, err := m.definition(d)
		if err != nil {
			return nil, err
		}
		if other, dup := m.owners[def.name]; dup {
			return nil, fmt.Errorf("metric %q is defined for both %s and %s", def.name, other, d.Field)
		}
		m.owners[def.name] = d.Field
		m.defs[d.Field] = append(m.defs[d.Field], def)
	}
	return m, nil
}

func (m *Mapper) definition(d config.MetricDefinition) (definition, error) {
	def := definition{name: d.Name, help: d.Help, buckets: d.Buckets}

	suffix := ""
	switch d.Kind {
	case config.KindCounter:
		def.kind = registry.KindCounter
		suffix = "_total"
	case config.KindGauge, "":
		def.kind = registry.KindGauge
	case config.KindHistogram:
		def.kind = registry.KindHistogram
	case config.KindSummary:
		def.kind = registry.KindSummary
	case config.KindRate:
		def.kind = registry.KindGauge
		def.rate = true
		suffix = "_rate"
	default:
		return def, fmt.Errorf("metric for field %s: unknown kind %q", d.Field, d.Kind)
	}

	if def.name == "" {
		def.name = m.metricName(d.Field, suffix)
	}
	if !metricNameRE.MatchString(def.name) {
		return def, fmt.Errorf("metric for field %s: invalid name %q", d.Field, def.name)
	}
	if def.help == "" {
		def.help = defaultHelp(d.Field, def.rate)
	}
	return def, nil
}

func (m *Mapper) metricName(field, suffix string) string {
	name := SnakeCase(field)
	if m.prefix != "" {
		name = m.prefix + "_" + name
	} else if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	if suffix != "" && !strings.HasSuffix(name, suffix) {
		name += suffix
	}
	return name
}

func defaultHelp(field string, rate bool) string {
	if rate {
		return fmt.Sprintf("Per-second rate of the %s counter.", field)
	}
	return fmt.Sprintf("Value of the %s field of storage metrics events.", field)
}

// Samples returns the samples derived from ev, ordered by field name.
func (m *Mapper) Samples(ev *trace.Event) []registry.Sample {
	labels := registry.Labels{MachineLabel: ev.Machine}
	for _, lf := range m.labels {
		labels[lf.label] = ev.Label(lf.field)
	}

	fields := make([]string, 0, len(ev.Measurements))
	for field := range ev.Measurements {
		if _, isLabel := m.labelSet[field]; isLabel {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var out []registry.Sample
	for _, field := range fields {
		meas := ev.Measurements[field]
		defs, ok := m.defs[field]
		if !ok {
			if !m.exportUnlisted {
				continue
			}
			if s, ok := m.unlisted(field, meas, labels); ok {
				out = append(out, s)
			}
			continue
		}
		for _, def := range defs {
			value := meas.Value
			if def.rate {
				if !meas.Counter {
					continue
				}
				value = meas.Rate
			}
			out = append(out, registry.Sample{
				Name:    def.name,
				Help:    def.help,
				Labels:  labels,
				Kind:    def.kind,
				Value:   value,
				Buckets: def.buckets,
			})
		}
	}
	return out
}

// unlisted derives a sample for a field without a definition. It reports
// false when the derived name belongs to another field.
func (m *Mapper) unlisted(field string, meas trace.Measurement, labels registry.Labels) (registry.Sample, bool) {
	s := registry.Sample{
		Name:   m.metricName(field, ""),
		Help:   defaultHelp(field, false),
		Labels: labels,
		Kind:   registry.KindGauge,
		Value:  meas.Value,
	}
	if meas.Counter {
		s.Name = m.metricName(field, "_total")
		s.Kind = registry.KindCounter
	}
	return s, m.claim(s.Name, field)
}

func (m *Mapper) claim(name, field string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[name]
	if !ok {
		m.owners[name] = field
		return true
	}
	return owner == field
}

// SnakeCase converts a CamelCase or camelCase field name to snake_case.
// Characters outside [a-zA-Z0-9] become underscores.
func SnakeCase(s string) string {
	isUpper := func(r byte) bool { return r >= 'A' && r <= 'Z' }
	isLower := func(r byte) bool { return r >= 'a' && r <= 'z' }
	isDigit := func(r byte) bool { return r >= '0' && r <= '9' }

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isUpper(c):
			if i > 0 {
				prev := s[i-1]
				nextLower := i+1 < len(s) && isLower(s[i+1])
				if isLower(prev) || isDigit(prev) || (isUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteByte(c + ('a' - 'A'))
		case isLower(c), isDigit(c):
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}
