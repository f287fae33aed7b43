package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/tinymc/pkg/sdk/metrics"
	"github.com/nicktill/tinymc/pkg/sdk/sketch"
)

// Validation limits
const (
	MaxMetricNameLength  = 256
	MaxLabelsPerMetric   = 20
	MaxLabelKeyLength    = 256
	MaxLabelValueLength  = 1024
	MaxMetricsPerRequest = 10000
	MaxRequestBytes      = 32 << 20
)

var (
	// ErrMetricNameEmpty is returned when a metric name is empty
	ErrMetricNameEmpty = errors.New("metric name cannot be empty")

	// ErrMetricNameTooLong is returned when a metric name is too long
	ErrMetricNameTooLong = fmt.Errorf("metric name too long (max %d chars)", MaxMetricNameLength)

	// ErrUnknownType is returned for a type outside the known metric kinds
	ErrUnknownType = errors.New("unknown metric type")

	// ErrTooManyLabels is returned when a metric has too many labels
	ErrTooManyLabels = fmt.Errorf("too many labels (max %d)", MaxLabelsPerMetric)

	// ErrLabelTooLong is returned when a label key or value is too long
	ErrLabelTooLong = errors.New("label too long")

	// ErrMissingField is returned when a kind's required field is absent
	ErrMissingField = errors.New("missing field")

	// ErrTooManyMetrics is returned when a batch holds too many metrics
	ErrTooManyMetrics = fmt.Errorf("too many metrics in request (max %d)", MaxMetricsPerRequest)
)

// ValidatePayload checks one metric of an incoming batch and, for summaries,
// decodes its sketch.
func ValidatePayload(p metrics.Payload) (*sketch.Stats, error) {
	if p.Name == "" {
		return nil, ErrMetricNameEmpty
	}
	if len(p.Name) > MaxMetricNameLength {
		return nil, fmt.Errorf("%w: %q has %d chars", ErrMetricNameTooLong, p.Name, len(p.Name))
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w %q for %q", ErrUnknownType, p.Type, p.Name)
	}

	if len(p.AggLabels) > MaxLabelsPerMetric {
		return nil, fmt.Errorf("%w: metric %q has %d labels", ErrTooManyLabels, p.Name, len(p.AggLabels))
	}
	for k, v := range p.AggLabels {
		if len(k) > MaxLabelKeyLength || len(v) > MaxLabelValueLength {
			return nil, fmt.Errorf("%w: key %q in metric %q", ErrLabelTooLong, k, p.Name)
		}
	}

	switch p.Type {
	case metrics.SetKind, metrics.CounterKind, metrics.MaxKind, metrics.MinKind:
		v, ok := p.Value.(float64)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s %q needs a numeric value", ErrMissingField, p.Type, p.Name)
		}
	case metrics.AvgKind:
		if p.Count == nil || p.Sum == nil {
			return nil, fmt.Errorf("%w: avg %q needs count and sum", ErrMissingField, p.Name)
		}
	case metrics.TimingKind:
		if p.Count == nil || p.Sum == nil || p.Min == nil || p.Max == nil {
			return nil, fmt.Errorf("%w: timing %q needs count, sum, min and max", ErrMissingField, p.Name)
		}
	case metrics.SummaryKind:
		return describeSummary(p)
	}
	return nil, nil
}

func describeSummary(p metrics.Payload) (*sketch.Stats, error) {
	if p.DataType != sketch.DataType {
		return nil, fmt.Errorf("summary %q has unsupported data_type %q", p.Name, p.DataType)
	}
	encoded, ok := p.Value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: summary %q needs an encoded sketch", ErrMissingField, p.Name)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("summary %q: %w", p.Name, err)
	}

	var percentiles []float64
	if p.Output != nil {
		percentiles = p.Output.Percentiles
	}
	st, err := sketch.Describe(data, percentiles)
	if err != nil {
		return nil, fmt.Errorf("summary %q: %w", p.Name, err)
	}
	return &st, nil
}
