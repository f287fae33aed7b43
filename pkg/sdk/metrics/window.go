package metrics

import (
	"time"
)

// MaxClockSkew bounds how far an explicit timestamp may be from now.
const MaxClockSkew = 366 * 24 * time.Hour

// Keyer derives aggregate keys from a metric name and an optional timestamp,
// bucketing by minute.
type Keyer struct {
	now func() time.Time
}

// NewKeyer returns a Keyer reading the clock through now. A nil now uses time.Now.
func NewKeyer(now func() time.Time) *Keyer {
	if now == nil {
		now = time.Now
	}
	return &Keyer{now: now}
}

// Key resolves ts (the zero time means now), checks it lies within MaxClockSkew
// of now and returns the window key together with the resolved unix seconds.
func (k *Keyer) Key(name string, ts time.Time) (Key, int64, error) {
	now := k.now()
	if ts.IsZero() {
		ts = now
	}

	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > MaxClockSkew {
		return Key{}, 0, &ValidationError{Field: "ts", Reason: "must be within a year of now"}
	}

	unix := ts.Unix()
	return Key{Name: name, Minute: WindowMinute(unix)}, unix, nil
}

// WindowMinute is floor(unix / 60).
func WindowMinute(unix int64) int64 {
	m := unix / 60
	if unix%60 != 0 && unix < 0 {
		m--
	}
	return m
}
