package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
)

// instrument is the state behind one (name, labels) key. Identity fields
// are immutable after creation; everything below mu is guarded by it.
type instrument struct {
	name      string
	help      string
	labels    Labels
	labelText string
	kind      Kind

	mu sync.Mutex

	// counter: exported total and last raw cumulative value
	// gauge: current value
	value    float64
	baseline float64

	// histogram
	bounds []float64
	counts []uint64
	count  uint64
	sum    float64

	// summary
	sketch    *ddsketch.DDSketch
	quantiles []float64
}

func (i *instrument) apply(v float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.kind {
	case KindCounter:
		if v < 0 {
			return fmt.Errorf("%w: %s{%s} = %v", ErrNegativeCounter, i.name, i.labelText, v)
		}
		delta := v - i.baseline
		if v < i.baseline {
			// Upstream restarted and its counter began again from zero.
			delta = v
		}
		i.value += delta
		i.baseline = v
	case KindGauge:
		i.value = v
	case KindHistogram:
		idx := sort.SearchFloat64s(i.bounds, v)
		i.counts[idx]++
		i.count++
		i.sum += v
	case KindSummary:
		if err := i.sketch.Add(v); err != nil {
			return fmt.Errorf("%w: %s{%s}: %v", ErrInvalidSample, i.name, i.labelText, err)
		}
		i.count++
		i.sum += v
	}
	return nil
}

// entry copies the instrument's current state.
func (i *instrument) entry() Entry {
	e := Entry{
		Name:   i.name,
		Help:   i.help,
		Labels: i.labels,
		Kind:   i.kind,
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.kind {
	case KindCounter, KindGauge:
		e.Value = i.value
	case KindHistogram:
		e.Histogram = &HistogramValue{
			Bounds: i.bounds,
			Counts: append([]uint64(nil), i.counts...),
			Count:  i.count,
			Sum:    i.sum,
		}
	case KindSummary:
		s := &SummaryValue{Count: i.count, Sum: i.sum}
		if i.count > 0 {
			values, err := i.sketch.GetValuesAtQuantiles(i.quantiles)
			if err == nil {
				s.Quantiles = make([]Quantile, len(values))
				for n, q := range i.quantiles {
					s.Quantiles[n] = Quantile{Quantile: q, Value: values[n]}
				}
			}
		}
		e.Summary = s
	}
	return e
}
