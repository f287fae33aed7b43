// Package flush decides when aggregates leave the store. A one-shot timer is
// armed by the first recording after a flush; its expiry, ForceFlush and Stop
// all hand work to a single worker goroutine, so at most one flush runs at a time.
package flush

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nicktill/tinymc/pkg/sdk/instrument"
	"github.com/nicktill/tinymc/pkg/sdk/metrics"
)

// DefaultInterval is the delay between the first recording and its flush.
const DefaultInterval = 10 * time.Second

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("flush scheduler already started")

// Drainer detaches the current generation of aggregates.
type Drainer interface {
	DrainAll() []metrics.Record
	Len() int
}

// Deliverer ships drained records.
type Deliverer interface {
	Send(ctx context.Context, records []metrics.Record) error
}

type request struct {
	ctx     context.Context
	trigger string
	gen     uint64
	reply   chan error
}

// Scheduler moves between Idle (no timer), Armed (timer pending) and Flushing.
type Scheduler struct {
	interval time.Duration
	store    Drainer
	sender   Deliverer
	log      logr.Logger
	metrics  *instrument.Metrics

	// mu guards the timer and the worker lifecycle.
	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	running  bool
	stopped  bool
	requests chan request
	done     chan struct{}
	cancel   context.CancelFunc

	flushMu sync.Mutex
}

// New creates a stopped scheduler. m may be nil.
func New(interval time.Duration, store Drainer, sender Deliverer, log logr.Logger, m *instrument.Metrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		store:    store,
		sender:   sender,
		log:      log,
		metrics:  m,
	}
}

// Start launches the flush worker. Records accumulated before Start get a
// timer right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stopped = false
	s.cancel = cancel
	s.requests = make(chan request)
	s.done = make(chan struct{})
	go s.run(ctx, s.requests, s.done)
	s.mu.Unlock()

	if s.store.Len() > 0 {
		s.EnsureArmed()
	}
	return nil
}

// Stop cancels the pending timer and stops the worker. With final set, whatever
// is still in the store is flushed before Stop returns, even if the worker had
// already exited because its context was cancelled. Nothing arms a timer after
// Stop; see Stopped.
func (s *Scheduler) Stop(final bool) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.stopped = true
	s.stopTimerLocked()
	done := s.done
	if wasRunning {
		s.cancel()
	}
	s.mu.Unlock()

	if wasRunning {
		<-done
	}

	if final {
		return s.flush(context.Background(), instrument.TriggerStop)
	}
	return nil
}

// EnsureArmed arms the flush timer unless one is already pending. Checking and
// arming happen under one lock so concurrent recorders create a single timer.
func (s *Scheduler) EnsureArmed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.timer != nil {
		return
	}

	s.gen++
	gen, requests, done := s.gen, s.requests, s.done
	s.timer = time.AfterFunc(s.interval, func() {
		req := request{ctx: context.Background(), trigger: instrument.TriggerTimer, gen: gen}
		select {
		case requests <- req:
		case <-done:
		}
	})
}

// Stopped reports whether Stop was called or the worker ended with its Start
// context, and no Start has happened since. A stopped scheduler flushes only on
// ForceFlush.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Armed reports whether a flush timer is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// ForceFlush cancels any pending timer and flushes synchronously. If a flush
// is already running, ForceFlush waits for it and then performs its own.
func (s *Scheduler) ForceFlush(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimerLocked()
	running, requests, done := s.running, s.requests, s.done
	s.mu.Unlock()

	if !running {
		return s.flush(ctx, instrument.TriggerForce)
	}

	reply := make(chan error, 1)
	select {
	case requests <- request{ctx: ctx, trigger: instrument.TriggerForce, reply: reply}:
	case <-done:
		return s.flush(ctx, instrument.TriggerForce)
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (s *Scheduler) run(ctx context.Context, requests <-chan request, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.running && s.done == done {
				s.running = false
				s.stopped = true
				s.stopTimerLocked()
			}
			s.mu.Unlock()
			return
		case req := <-requests:
			if req.trigger == instrument.TriggerTimer && !s.expire(req.gen) {
				continue
			}
			err := s.flush(req.ctx, req.trigger)
			if req.reply != nil {
				req.reply <- err
			}
		}
	}
}

// expire moves an Armed scheduler back to Idle when gen is the pending timer.
// Ticks from timers that were cancelled in the meantime are ignored.
func (s *Scheduler) expire(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil || gen != s.gen {
		return false
	}
	s.timer = nil
	return true
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// flush drains the store and delivers what it got. An empty drain sends nothing.
func (s *Scheduler) flush(ctx context.Context, trigger string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	records := s.store.DrainAll()
	if len(records) == 0 {
		return nil
	}

	err := s.sender.Send(ctx, records)
	s.metrics.Flushed(trigger, len(records), time.Since(start).Seconds())
	if err != nil {
		s.log.Error(err, "Flush finished with undelivered records", "trigger", trigger, "records", len(records))
		return err
	}
	s.log.V(1).Info("Flushed records", "trigger", trigger, "records", len(records), "duration", time.Since(start))
	return nil
}
