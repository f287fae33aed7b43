// Package sketch holds the approximate-quantile structure carried by summary
// aggregates.
package sketch

import (
	"fmt"

	"github.com/caio/go-tdigest/v4"
)

// DataType names the serialized form in gateway payloads.
const DataType = "tdigest"

// DefaultCompression trades accuracy for size of the serialized digest.
const DefaultCompression = 100

// Sketch accumulates a stream of values and serializes a compact summary of it.
// A Sketch is not safe for concurrent use; the owning record's lock guards it.
type Sketch interface {
	Add(value float64) error
	Count() uint64
	AsBytes() ([]byte, error)
}

// Factory creates an empty sketch.
type Factory func() (Sketch, error)

// NewTDigest is the default Factory.
func NewTDigest() (Sketch, error) {
	td, err := tdigest.New(tdigest.Compression(DefaultCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create tdigest: %w", err)
	}
	return td, nil
}
