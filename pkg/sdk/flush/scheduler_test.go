package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymc/pkg/sdk/aggregate"
	"github.com/nicktill/tinymc/pkg/sdk/metrics"
)

// mockSender records every delivery and tracks how many run at once.
type mockSender struct {
	mu      sync.Mutex
	sends   [][]metrics.Record
	delay   time.Duration
	err     error
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (m *mockSender) Send(ctx context.Context, records []metrics.Record) error {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, records)
	return m.err
}

func (m *mockSender) getSends() [][]metrics.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]metrics.Record, len(m.sends))
	copy(out, m.sends)
	return out
}

func (m *mockSender) total() float64 {
	var sum float64
	for _, batch := range m.getSends() {
		for _, r := range batch {
			sum += r.Value
		}
	}
	return sum
}

func record(t *testing.T, store *aggregate.Store, s *Scheduler, v float64) {
	t.Helper()
	err := store.Merge(metrics.CounterKind, metrics.Sample{Key: metrics.Key{Name: "c", Minute: 1}, Value: v})
	require.NoError(t, err)
	s.EnsureArmed()
}

func newScheduler(t *testing.T, interval time.Duration, sender *mockSender) (*Scheduler, *aggregate.Store) {
	store := aggregate.New(nil)
	return New(interval, store, sender, testr.New(t), nil), store
}

func TestNewDefaultInterval(t *testing.T) {
	s := New(0, aggregate.New(nil), &mockSender{}, testr.New(t), nil)
	assert.Equal(t, DefaultInterval, s.interval)
}

func TestStartTwice(t *testing.T) {
	s, _ := newScheduler(t, time.Hour, &mockSender{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(false)

	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestTimerFlushesOnceThenIdles(t *testing.T) {
	sender := &mockSender{}
	s, store := newScheduler(t, 50*time.Millisecond, sender)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(false)

	assert.False(t, s.Armed(), "no activity, no timer")

	record(t, store, s, 1)
	record(t, store, s, 2)
	assert.True(t, s.Armed())

	require.Eventually(t, func() bool { return len(sender.getSends()) == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, s.Armed(), "timer must not re-arm without activity")
	assert.Equal(t, 3.0, sender.total())

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, sender.getSends(), 1, "idle scheduler must not flush")
}

func TestEnsureArmedCreatesSingleTimer(t *testing.T) {
	s, _ := newScheduler(t, time.Hour, &mockSender{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.EnsureArmed()
		}()
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, uint64(1), s.gen)
}

func TestEnsureArmedBeforeStartIsNoop(t *testing.T) {
	s, store := newScheduler(t, 20*time.Millisecond, &mockSender{})
	record(t, store, s, 1)
	assert.False(t, s.Armed())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(false)
	assert.True(t, s.Armed(), "pending records arm the timer on start")
}

func TestForceFlushCancelsTimer(t *testing.T) {
	sender := &mockSender{}
	s, store := newScheduler(t, 100*time.Millisecond, sender)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(false)

	record(t, store, s, 5)
	require.NoError(t, s.ForceFlush(context.Background()))
	assert.False(t, s.Armed())
	require.Len(t, sender.getSends(), 1)

	// a second force flush with nothing recorded sends nothing
	require.NoError(t, s.ForceFlush(context.Background()))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, sender.getSends(), 1)
	assert.Equal(t, 5.0, sender.total())
}

func TestForceFlushWithoutWorker(t *testing.T) {
	sender := &mockSender{}
	s, store := newScheduler(t, time.Hour, sender)

	record(t, store, s, 2)
	require.NoError(t, s.ForceFlush(context.Background()))
	assert.Equal(t, 2.0, sender.total())
}

func TestForceFlushReturnsDeliveryError(t *testing.T) {
	boom := errors.New("gateway down")
	sender := &mockSender{err: boom}
	s, store := newScheduler(t, time.Hour, sender)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(false)

	record(t, store, s, 1)
	assert.ErrorIs(t, s.ForceFlush(context.Background()), boom)
}

func TestFlushesNeverOverlap(t *testing.T) {
	sender := &mockSender{delay: 5 * time.Millisecond}
	s, store := newScheduler(t, time.Millisecond, sender)
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				record(t, store, s, 1)
				if j%10 == 0 {
					_ = s.ForceFlush(context.Background())
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Stop(true))

	assert.Equal(t, int32(1), sender.maxSeen.Load())
	assert.Equal(t, 400.0, sender.total(), "every recording delivered exactly once")
}

func TestStopFinalFlush(t *testing.T) {
	sender := &mockSender{}
	s, store := newScheduler(t, time.Hour, sender)
	require.NoError(t, s.Start(context.Background()))

	record(t, store, s, 7)
	require.NoError(t, s.Stop(true))
	assert.False(t, s.Armed())
	assert.Equal(t, 7.0, sender.total())
}

func TestStopWithoutFinalFlushKeepsRecords(t *testing.T) {
	sender := &mockSender{}
	s, store := newScheduler(t, time.Hour, sender)
	require.NoError(t, s.Start(context.Background()))

	record(t, store, s, 7)
	require.NoError(t, s.Stop(false))
	assert.Empty(t, sender.getSends())
	assert.Equal(t, 1, store.Len())
	assert.NoError(t, s.Stop(false), "stopping twice is harmless")
}

func TestContextCancelStopsWorker(t *testing.T) {
	sender := &mockSender{}
	s, store := newScheduler(t, time.Hour, sender)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	record(t, store, s, 1)
	cancel()
	require.Eventually(t, func() bool { return !s.Armed() }, time.Second, 5*time.Millisecond)

	// flushing still works without the worker
	require.NoError(t, s.ForceFlush(context.Background()))
	assert.Equal(t, 1.0, sender.total())

	record(t, store, s, 2)
	require.NoError(t, s.Stop(true))
	assert.Equal(t, 3.0, sender.total())
}

func TestStoppedState(t *testing.T) {
	sender := &mockSender{}
	s, store := newScheduler(t, time.Hour, sender)
	assert.False(t, s.Stopped(), "a scheduler that never started accepts work")

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Stopped())

	require.NoError(t, s.Stop(false))
	assert.True(t, s.Stopped())

	record(t, store, s, 1)
	assert.False(t, s.Armed(), "nothing arms after Stop")

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Stopped())
	assert.True(t, s.Armed(), "restart arms for records left in the store")
	require.NoError(t, s.Stop(true))
	assert.Equal(t, 1.0, sender.total())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	require.Eventually(t, s.Stopped, time.Second, 5*time.Millisecond)
}
