// Package instrument exposes the client's own health as Prometheus collectors.
package instrument

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tinymc"

// Flush triggers.
const (
	TriggerTimer = "timer"
	TriggerForce = "force"
	TriggerStop  = "stop"
)

// Batch results.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

// Metrics groups the client's self-observation collectors. All methods are safe
// on a nil receiver so components can run uninstrumented.
type Metrics struct {
	Recordings       *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec
	Flushes          *prometheus.CounterVec
	RecordsDrained   prometheus.Counter
	Batches          *prometheus.CounterVec
	RecordsDropped   prometheus.Counter
	FlushDuration    prometheus.Histogram
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		Recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Accepted recordings by metric kind.",
		}, []string{"kind"}),
		ValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Rejected recordings by metric kind.",
		}, []string{"kind"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flushes performed by trigger.",
		}, []string{"trigger"}),
		RecordsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_drained_total",
			Help:      "Aggregate records detached from the store by flushes.",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Gateway batches by final delivery result.",
		}, []string{"result"}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Records lost because their batch could not be delivered.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent draining and delivering one flush.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register registers every collector with r. When an identical collector is
// already registered, m adopts it so several clients can share one registry.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if m == nil || r == nil {
		return nil
	}
	var errs []error
	errs = append(errs,
		register(r, &m.Recordings),
		register(r, &m.ValidationErrors),
		register(r, &m.Flushes),
		register(r, &m.RecordsDrained),
		register(r, &m.Batches),
		register(r, &m.RecordsDropped),
		register(r, &m.FlushDuration),
	)
	return errors.Join(errs...)
}

func register[T prometheus.Collector](r prometheus.Registerer, c *T) error {
	err := r.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

func (m *Metrics) Recorded(kind string) {
	if m != nil {
		m.Recordings.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Rejected(kind string) {
	if m != nil {
		m.ValidationErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Flushed(trigger string, drained int, seconds float64) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(trigger).Inc()
	m.RecordsDrained.Add(float64(drained))
	m.FlushDuration.Observe(seconds)
}

func (m *Metrics) BatchDelivered() {
	if m != nil {
		m.Batches.WithLabelValues(ResultDelivered).Inc()
	}
}

func (m *Metrics) BatchFailed(records int) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(ResultFailed).Inc()
	m.RecordsDropped.Add(float64(records))
}
