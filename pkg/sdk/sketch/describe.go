package sketch

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/caio/go-tdigest/v4"
)

// Stats are the figures a consumer derives from a serialized sketch.
type Stats struct {
	Count       uint64             `json:"count"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Avg         float64            `json:"avg"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"`
}

// Describe decodes a serialized t-digest and evaluates the requested
// percentiles (0..100) on it.
func Describe(data []byte, percentiles []float64) (Stats, error) {
	td, err := tdigest.FromBytes(bytes.NewReader(data))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to decode tdigest: %w", err)
	}

	st := Stats{Count: td.Count()}
	if st.Count == 0 {
		return st, nil
	}

	var sum float64
	td.ForEachCentroid(func(mean float64, count uint64) bool {
		sum += mean * float64(count)
		return true
	})
	st.Avg = sum / float64(st.Count)
	st.Min = td.Quantile(0)
	st.Max = td.Quantile(1)

	if len(percentiles) > 0 {
		st.Percentiles = make(map[string]float64, len(percentiles))
		for _, p := range percentiles {
			st.Percentiles["p"+strconv.FormatFloat(p, 'f', -1, 64)] = td.Quantile(p / 100)
		}
	}
	return st, nil
}
