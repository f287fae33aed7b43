package metrics

import (
	"fmt"
	"sort"

	"github.com/nicktill/tinymc/pkg/sdk/sketch"
)

// Kind is the aggregation kind of a metric. It is also the "type" field of the
// gateway payload.
type Kind string

const (
	SetKind     Kind = "set"
	CounterKind Kind = "counter"
	MaxKind     Kind = "max"
	MinKind     Kind = "min"
	AvgKind     Kind = "avg"
	TimingKind  Kind = "timing"
	SummaryKind Kind = "summary"
)

// Kinds lists every kind in drain order.
var Kinds = []Kind{SetKind, CounterKind, TimingKind, MaxKind, MinKind, AvgKind, SummaryKind}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// DefaultPercentiles are requested for a summary when the caller names none.
var DefaultPercentiles = []float64{50, 90, 95, 99}

// CommonStats are the fixed statistics the gateway computes for every summary.
var CommonStats = []string{"count", "min", "max", "avg"}

// Key identifies one aggregate inside a generation.
type Key struct {
	Name   string
	Minute int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s::%d", k.Name, k.Minute)
}

// Sample is a single validated measurement on its way into the store.
type Sample struct {
	Key         Key
	TS          int64
	Value       float64
	Percentiles []float64
	Labels      map[string]string
}

// Record is the aggregate of every sample recorded for one key in one generation.
// Which fields are meaningful depends on Kind.
type Record struct {
	Kind   Kind
	Name   string
	Minute int64

	// TS is the timestamp of the latest write (set only).
	TS int64

	// Value holds set, counter, max and min aggregates.
	Value float64

	// Count and Sum hold avg and timing aggregates; Min and Max timing only.
	Count int64
	Sum   float64
	Min   float64
	Max   float64

	// Sketch and Percentiles hold summary aggregates.
	Sketch      sketch.Sketch
	Percentiles []float64

	Labels map[string]string
}

// Output tells the gateway which statistics to derive from a summary sketch.
type Output struct {
	Common      []string  `json:"common"`
	Percentiles []float64 `json:"percentiles"`
}

// Payload is the wire shape of one record inside a gateway request.
type Payload struct {
	Type      Kind              `json:"type"`
	Name      string            `json:"name"`
	Value     any               `json:"value,omitempty"`
	Count     *int64            `json:"count,omitempty"`
	Sum       *float64          `json:"sum,omitempty"`
	Min       *float64          `json:"min,omitempty"`
	Max       *float64          `json:"max,omitempty"`
	DataType  string            `json:"data_type,omitempty"`
	Output    *Output           `json:"output,omitempty"`
	TS        int64             `json:"ts,omitempty"`
	AggLabels map[string]string `json:"agg_labels,omitempty"`
}

// ToPayload converts a drained record into its wire shape. Summary sketches are
// serialized here, after which the record should be discarded.
func ToPayload(r Record) (Payload, error) {
	p := Payload{
		Type:      r.Kind,
		Name:      r.Name,
		TS:        r.Minute * 60,
		AggLabels: r.Labels,
	}

	switch r.Kind {
	case SetKind:
		p.Value = r.Value
		p.TS = r.TS
	case CounterKind, MaxKind, MinKind:
		p.Value = r.Value
	case AvgKind:
		count, sum := r.Count, r.Sum
		p.Count, p.Sum = &count, &sum
	case TimingKind:
		count, sum, lo, hi := r.Count, r.Sum, r.Min, r.Max
		p.Count, p.Sum, p.Min, p.Max = &count, &sum, &lo, &hi
	case SummaryKind:
		if r.Sketch == nil {
			return Payload{}, fmt.Errorf("summary %q has no sketch", r.Name)
		}
		data, err := r.Sketch.AsBytes()
		if err != nil {
			return Payload{}, fmt.Errorf("failed to serialize sketch for %q: %w", r.Name, err)
		}
		p.DataType = sketch.DataType
		p.Value = data
		p.Output = &Output{
			Common:      CommonStats,
			Percentiles: UnionPercentiles(nil, r.Percentiles),
		}
	default:
		return Payload{}, fmt.Errorf("unknown metric kind %q", r.Kind)
	}

	return p, nil
}

// UnionPercentiles returns the sorted, de-duplicated union of a and b.
func UnionPercentiles(a, b []float64) []float64 {
	seen := make(map[float64]struct{}, len(a)+len(b))
	out := make([]float64, 0, len(a)+len(b))
	for _, list := range [][]float64{a, b} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Float64s(out)
	return out
}
