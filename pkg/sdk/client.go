package sdk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/tinymc/pkg/sdk/aggregate"
	"github.com/nicktill/tinymc/pkg/sdk/batch"
	"github.com/nicktill/tinymc/pkg/sdk/flush"
	"github.com/nicktill/tinymc/pkg/sdk/instrument"
	"github.com/nicktill/tinymc/pkg/sdk/metrics"
	"github.com/nicktill/tinymc/pkg/sdk/sketch"
	"github.com/nicktill/tinymc/pkg/sdk/transport"
)

// ErrStopped is logged for recordings made after Stop; they are discarded.
var ErrStopped = errors.New("client is stopped")

// ClientConfig holds configuration for the metric client
type ClientConfig struct {
	// SendAPI is the gateway URL batches are posted to.
	SendAPI string `json:"send_api"`
	// Token is sent as X-App-Token with every batch.
	Token string `json:"token"`
	// FlushInterval is the delay between the first recording and its flush.
	FlushInterval time.Duration `json:"flush_interval"`
	// Daemon clients skip the final flush on Stop.
	Daemon bool `json:"daemon_mode"`

	MaxBatchSize int           `json:"max_batch_size"`
	RetryDelay   time.Duration `json:"retry_delay"`
	Timeout      time.Duration `json:"timeout"`

	Logger     logr.Logger           `json:"-"`
	Registerer prometheus.Registerer `json:"-"`
	NewSketch  sketch.Factory        `json:"-"`
	// Transport replaces the HTTP transport built from SendAPI and Token.
	Transport transport.Transport `json:"-"`
	// Now replaces the wall clock used for timestamps.
	Now func() time.Time `json:"-"`
}

// Client aggregates recordings in memory and ships them to the gateway in the
// background. Recording methods are safe for concurrent use and never block on
// the network or return errors: invalid input is logged and dropped.
type Client struct {
	config    ClientConfig
	log       logr.Logger
	metrics   *instrument.Metrics
	keyer     *metrics.Keyer
	store     *aggregate.Store
	sender    *batch.Sender
	scheduler *flush.Scheduler
}

// New creates a new metric client. Call Start to enable automatic flushing.
func New(cfg ClientConfig) (*Client, error) {
	cfg.SendAPI = strings.TrimSpace(cfg.SendAPI)
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.SendAPI == "" && cfg.Transport == nil {
		return nil, fmt.Errorf("send_api is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = flush.DefaultInterval
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	trans := cfg.Transport
	if trans == nil {
		var err error
		trans, err = transport.NewHTTP(cfg.SendAPI, cfg.Token, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	m := instrument.New()
	if err := m.Register(cfg.Registerer); err != nil {
		return nil, fmt.Errorf("failed to register client metrics: %w", err)
	}

	log := cfg.Logger.WithName("tinymc")
	store := aggregate.New(cfg.NewSketch)
	sender := batch.New(trans, batch.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		RetryDelay:   cfg.RetryDelay,
	}, log.WithName("batch"), m)

	return &Client{
		config:    cfg,
		log:       log,
		metrics:   m,
		keyer:     metrics.NewKeyer(cfg.Now),
		store:     store,
		sender:    sender,
		scheduler: flush.New(cfg.FlushInterval, store, sender, log.WithName("flush"), m),
	}, nil
}

// Start starts the background flush worker.
func (c *Client) Start(ctx context.Context) error {
	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start flush scheduler: %w", err)
	}
	return nil
}

// Stop stops the flush worker. Unless the client runs in daemon mode, pending
// aggregates are flushed before Stop returns. Recordings made after Stop, or
// after the Start context is cancelled, are logged with ErrStopped and dropped.
func (c *Client) Stop() error {
	if err := c.scheduler.Stop(!c.config.Daemon); err != nil {
		return fmt.Errorf("failed to flush metrics: %w", err)
	}
	return nil
}

// ForceFlush drains every aggregate and delivers it before returning. The
// error describes batches that could not be delivered; they are not retried.
func (c *Client) ForceFlush(ctx context.Context) error {
	return c.scheduler.ForceFlush(ctx)
}

// Option adjusts a single recording.
type Option func(*recordOptions)

type recordOptions struct {
	ts          time.Time
	labels      map[string]string
	percentiles []float64
}

// WithTimestamp records the value at ts instead of now.
func WithTimestamp(ts time.Time) Option {
	return func(o *recordOptions) { o.ts = ts }
}

// WithLabels attaches agg_labels to counter, max, min and avg aggregates. The
// first labels seen for an aggregate are kept.
func WithLabels(labels map[string]string) Option {
	return func(o *recordOptions) { o.labels = labels }
}

// WithPercentiles selects the percentiles reported for a summary.
func WithPercentiles(ps ...float64) Option {
	return func(o *recordOptions) { o.percentiles = ps }
}

// Set records the latest value of name in the current minute.
func (c *Client) Set(name string, value float64, opts ...Option) {
	c.record(metrics.SetKind, name, value, opts)
}

// Counter adds value to name's per-minute total.
func (c *Client) Counter(name string, value float64, opts ...Option) {
	c.record(metrics.CounterKind, name, value, opts)
}

// Max keeps the largest value of name per minute.
func (c *Client) Max(name string, value float64, opts ...Option) {
	c.record(metrics.MaxKind, name, value, opts)
}

// Min keeps the smallest value of name per minute.
func (c *Client) Min(name string, value float64, opts ...Option) {
	c.record(metrics.MinKind, name, value, opts)
}

// Avg accumulates count and sum of name per minute.
func (c *Client) Avg(name string, value float64, opts ...Option) {
	c.record(metrics.AvgKind, name, value, opts)
}

// Timing accumulates count, sum, min and max of name per minute.
func (c *Client) Timing(name string, value float64, opts ...Option) {
	c.record(metrics.TimingKind, name, value, opts)
}

// Summary pushes value into name's quantile sketch for the current minute.
func (c *Client) Summary(name string, value float64, opts ...Option) {
	c.record(metrics.SummaryKind, name, value, opts)
}

func (c *Client) record(kind metrics.Kind, name string, value float64, opts []Option) {
	sample, err := c.prepare(kind, name, value, opts)
	if err != nil {
		c.metrics.Rejected(string(kind))
		c.log.Error(err, "Rejected metric", "kind", kind, "name", name)
		return
	}
	if c.scheduler.Stopped() {
		c.metrics.Rejected(string(kind))
		c.log.Error(ErrStopped, "Rejected metric", "kind", kind, "name", sample.Key.Name)
		return
	}

	if err := c.store.Merge(kind, sample); err != nil {
		c.log.Error(err, "Failed to aggregate metric", "kind", kind, "name", sample.Key.Name)
		return
	}
	c.metrics.Recorded(string(kind))
	c.scheduler.EnsureArmed()
}

// prepare validates a recording and turns it into a sample. It has no side
// effects.
func (c *Client) prepare(kind metrics.Kind, name string, value float64, opts []Option) (metrics.Sample, error) {
	var o recordOptions
	for _, opt := range opts {
		opt(&o)
	}

	name, err := metrics.CheckName("name", name)
	if err != nil {
		return metrics.Sample{}, err
	}
	if err := metrics.CheckNumber("value", value); err != nil {
		return metrics.Sample{}, err
	}

	var percentiles []float64
	if kind == metrics.SummaryKind {
		if percentiles, err = metrics.CheckPercentiles(o.percentiles); err != nil {
			return metrics.Sample{}, err
		}
	}

	var labels map[string]string
	switch kind {
	case metrics.CounterKind, metrics.MaxKind, metrics.MinKind, metrics.AvgKind:
		for k := range o.labels {
			if strings.TrimSpace(k) == "" {
				return metrics.Sample{}, &metrics.ValidationError{Field: "agg_labels", Reason: "cannot contain an empty key"}
			}
		}
		labels = o.labels
	}

	key, ts, err := c.keyer.Key(name, o.ts)
	if err != nil {
		return metrics.Sample{}, err
	}

	return metrics.Sample{
		Key:         key,
		TS:          ts,
		Value:       value,
		Percentiles: percentiles,
		Labels:      labels,
	}, nil
}

// registry holds the clients handed out by Shared.
var registry = struct {
	sync.Mutex
	clients map[string]*Client
}{clients: make(map[string]*Client)}

// Shared returns a started client for cfg's gateway and token, creating it on
// first use. Later calls with the same pair return the same client and ignore
// the rest of cfg.
func Shared(ctx context.Context, cfg ClientConfig) (*Client, error) {
	key := strings.TrimSpace(cfg.SendAPI) + "\x00" + strings.TrimSpace(cfg.Token)

	registry.Lock()
	defer registry.Unlock()

	if c, ok := registry.clients[key]; ok {
		return c, nil
	}

	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	registry.clients[key] = c
	return c, nil
}
