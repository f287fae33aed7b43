package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/nicktill/tinymc/pkg/sdk/instrument"
	"github.com/nicktill/tinymc/pkg/sdk/metrics"
	"github.com/nicktill/tinymc/pkg/sdk/transport"
)

// Defaults used when Config leaves a field at zero.
const (
	DefaultMaxBatchSize = 5000
	DefaultRetryDelay   = 100 * time.Millisecond
)

// Config holds configuration for the sender
type Config struct {
	MaxBatchSize int
	RetryDelay   time.Duration
}

// Sender turns drained records into gateway batches and delivers them. Each
// batch is attempted at most twice; a batch that still fails is dropped and
// does not stop the batches after it.
type Sender struct {
	config    Config
	transport transport.Transport
	log       logr.Logger
	metrics   *instrument.Metrics
}

// New creates a new sender. m may be nil.
func New(t transport.Transport, config Config, log logr.Logger, m *instrument.Metrics) *Sender {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMaxBatchSize
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	return &Sender{
		config:    config,
		transport: t,
		log:       log,
		metrics:   m,
	}
}

// Send delivers records in batches of at most MaxBatchSize. The returned error
// aggregates every batch that could not be delivered; callers are expected to
// report it, not to resend.
//
// Cancelling ctx does not interrupt delivery: the records are already out of
// the store, so every chunk runs to completion bounded by the transport's own
// timeout.
func (s *Sender) Send(ctx context.Context, records []metrics.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var result *multierror.Error

	payloads := make([]metrics.Payload, 0, len(records))
	for _, r := range records {
		p, err := metrics.ToPayload(r)
		if err != nil {
			s.log.Error(err, "Dropping record that cannot be encoded", "kind", r.Kind, "name", r.Name)
			result = multierror.Append(result, err)
			continue
		}
		payloads = append(payloads, p)
	}

	for i, n := 0, 0; i < len(payloads); i, n = i+s.config.MaxBatchSize, n+1 {
		end := i + s.config.MaxBatchSize
		if end > len(payloads) {
			end = len(payloads)
		}
		batch := payloads[i:end]

		batchID := uuid.NewString()
		if err := s.deliver(ctx, batchID, batch); err != nil {
			s.log.Error(err, "Failed to deliver batch, dropping it", "batch", n, "batchID", batchID, "records", len(batch))
			s.metrics.BatchFailed(len(batch))
			result = multierror.Append(result, fmt.Errorf("batch %d (%d records): %w", n, len(batch), err))
			continue
		}
		s.metrics.BatchDelivered()
	}

	return result.ErrorOrNil()
}

// deliver sends one batch, retrying once unless the gateway rejected its
// content. Both attempts carry batchID so the gateway can drop a replay.
func (s *Sender) deliver(ctx context.Context, batchID string, batch []metrics.Payload) error {
	return retry.Do(
		func() error {
			return s.transport.Send(ctx, batchID, batch)
		},
		retry.Attempts(2),
		retry.Delay(s.config.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(Retryable),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.log.V(1).Info("Retrying batch", "attempt", n+1, "records", len(batch), "error", err.Error())
		}),
	)
}

// Retryable reports whether a delivery error is worth a second attempt. A
// non-zero gateway errcode is a verdict on the content and is not retried.
func Retryable(err error) bool {
	var ge *transport.GatewayError
	return !errors.As(err, &ge)
}
