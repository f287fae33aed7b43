package metrics

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError reports a malformed recording. Nothing is stored when one is
// returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// CheckName trims name and rejects it when nothing is left.
func CheckName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: field, Reason: "cannot be empty"}
	}
	return name, nil
}

// CheckNumber rejects NaN and infinities.
func CheckNumber(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	return nil
}

// CheckPercentiles validates every requested percentile and returns the list to
// use, falling back to DefaultPercentiles when none were given.
func CheckPercentiles(ps []float64) ([]float64, error) {
	if len(ps) == 0 {
		return DefaultPercentiles, nil
	}
	for _, p := range ps {
		if err := CheckNumber("percentile", p); err != nil {
			return nil, err
		}
		if p < 0 || p > 100 {
			return nil, &ValidationError{Field: "percentile", Reason: "must be between 0 and 100"}
		}
	}
	return ps, nil
}
