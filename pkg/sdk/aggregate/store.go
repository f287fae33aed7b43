// Package aggregate accumulates samples into per-window records, one lock per
// metric kind.
package aggregate

import (
	"fmt"
	"sync"

	"github.com/nicktill/tinymc/pkg/sdk/metrics"
	"github.com/nicktill/tinymc/pkg/sdk/sketch"
)

// generation holds the live records of one kind. order keeps first-insertion
// order so drains are deterministic.
type generation struct {
	records map[metrics.Key]*metrics.Record
	order   []*metrics.Record
}

func newGeneration() generation {
	return generation{records: make(map[metrics.Key]*metrics.Record)}
}

type shard struct {
	mu  sync.Mutex
	gen generation
}

// Store is the concurrent aggregate store. Recordings of different kinds never
// contend; recordings of the same kind serialize on that kind's lock.
type Store struct {
	shards    map[metrics.Kind]*shard
	newSketch sketch.Factory
}

// New creates an empty store. A nil factory uses sketch.NewTDigest.
func New(newSketch sketch.Factory) *Store {
	if newSketch == nil {
		newSketch = sketch.NewTDigest
	}
	s := &Store{
		shards:    make(map[metrics.Kind]*shard, len(metrics.Kinds)),
		newSketch: newSketch,
	}
	for _, k := range metrics.Kinds {
		s.shards[k] = &shard{gen: newGeneration()}
	}
	return s
}

// Merge folds a validated sample into the record for its key, creating the
// record on first use in the current generation.
func (s *Store) Merge(kind metrics.Kind, sample metrics.Sample) error {
	sh, ok := s.shards[kind]
	if !ok {
		return fmt.Errorf("unknown metric kind %q", kind)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.gen.records[sample.Key]; ok {
		return s.update(rec, sample)
	}

	rec, err := s.create(kind, sample)
	if err != nil {
		return err
	}
	sh.gen.records[sample.Key] = rec
	sh.gen.order = append(sh.gen.order, rec)
	return nil
}

func (s *Store) create(kind metrics.Kind, sample metrics.Sample) (*metrics.Record, error) {
	rec := &metrics.Record{
		Kind:   kind,
		Name:   sample.Key.Name,
		Minute: sample.Key.Minute,
		Labels: copyLabels(sample.Labels),
	}

	v := sample.Value
	switch kind {
	case metrics.SetKind:
		rec.Value = v
		rec.TS = sample.TS
	case metrics.CounterKind, metrics.MaxKind, metrics.MinKind:
		rec.Value = v
	case metrics.AvgKind:
		rec.Count, rec.Sum = 1, v
	case metrics.TimingKind:
		rec.Count, rec.Sum, rec.Min, rec.Max = 1, v, v, v
	case metrics.SummaryKind:
		sk, err := s.newSketch()
		if err != nil {
			return nil, err
		}
		if err := sk.Add(v); err != nil {
			return nil, fmt.Errorf("failed to add %v to sketch %q: %w", v, rec.Name, err)
		}
		rec.Sketch = sk
		rec.Percentiles = metrics.UnionPercentiles(nil, sample.Percentiles)
	}
	return rec, nil
}

func (s *Store) update(rec *metrics.Record, sample metrics.Sample) error {
	v := sample.Value
	switch rec.Kind {
	case metrics.SetKind:
		rec.Value = v
		rec.TS = sample.TS
	case metrics.CounterKind:
		rec.Value += v
	case metrics.MaxKind:
		if v > rec.Value {
			rec.Value = v
		}
	case metrics.MinKind:
		if v < rec.Value {
			rec.Value = v
		}
	case metrics.AvgKind:
		rec.Count++
		rec.Sum += v
	case metrics.TimingKind:
		rec.Count++
		rec.Sum += v
		if v < rec.Min {
			rec.Min = v
		}
		if v > rec.Max {
			rec.Max = v
		}
	case metrics.SummaryKind:
		if err := rec.Sketch.Add(v); err != nil {
			return fmt.Errorf("failed to add %v to sketch %q: %w", v, rec.Name, err)
		}
		rec.Percentiles = metrics.UnionPercentiles(rec.Percentiles, sample.Percentiles)
	}

	if rec.Labels == nil && len(sample.Labels) > 0 {
		rec.Labels = copyLabels(sample.Labels)
	}
	return nil
}

// DrainAll detaches the current generation of every kind and returns its
// records. Kinds are swapped one at a time in metrics.Kinds order; a merge that
// lands after its kind was swapped belongs to the next generation.
func (s *Store) DrainAll() []metrics.Record {
	var out []metrics.Record
	for _, k := range metrics.Kinds {
		sh := s.shards[k]

		sh.mu.Lock()
		gen := sh.gen
		sh.gen = newGeneration()
		sh.mu.Unlock()

		for _, rec := range gen.order {
			out = append(out, *rec)
		}
	}
	return out
}

// Len returns the number of live records across all kinds.
func (s *Store) Len() int {
	n := 0
	for _, k := range metrics.Kinds {
		sh := s.shards[k]
		sh.mu.Lock()
		n += len(sh.gen.order)
		sh.mu.Unlock()
	}
	return n
}

// copyLabels creates a copy of a label map
func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return cp
}
