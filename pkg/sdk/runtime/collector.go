package runtime

import (
	"context"
	"runtime"
	"time"

	"github.com/nicktill/tinymc/pkg/sdk"
)

// DefaultInterval is how often runtime figures are sampled.
const DefaultInterval = 15 * time.Second

// Recorder is the subset of *sdk.Client the collector reports through.
type Recorder interface {
	Set(name string, value float64, opts ...sdk.Option)
	Counter(name string, value float64, opts ...sdk.Option)
	Max(name string, value float64, opts ...sdk.Option)
	Avg(name string, value float64, opts ...sdk.Option)
}

// Collector automatically collects Go runtime metrics.
type Collector struct {
	client   Recorder
	interval time.Duration

	// lastNumGC and lastPauseNs turn cumulative runtime totals into per-sample deltas.
	lastNumGC   uint32
	lastPauseNs uint64
}

// NewCollector creates a new runtime metrics collector.
func NewCollector(client Recorder, interval time.Duration) *Collector {
	if interval == 0 {
		interval = DefaultInterval
	}
	return &Collector{
		client:   client,
		interval: interval,
	}
}

// Start collects runtime metrics until ctx is done. It blocks; run it in its own
// goroutine.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect samples Go runtime figures and records them through the client.
func (c *Collector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// Peak goroutines within the minute is more useful than the last sample
	c.client.Max("go_goroutines", float64(runtime.NumGoroutine()))
	c.client.Set("go_cpu_count", float64(runtime.NumCPU()))

	c.client.Avg("go_memory_heap_bytes", float64(m.HeapAlloc))
	c.client.Max("go_memory_stack_bytes", float64(m.StackInuse))
	c.client.Set("go_memory_sys_bytes", float64(m.Sys))

	// GC totals are cumulative; counters want increments
	c.client.Counter("go_gc_count", float64(m.NumGC-c.lastNumGC))
	c.client.Counter("go_gc_pause_seconds", float64(m.PauseTotalNs-c.lastPauseNs)/1e9)
	c.lastNumGC = m.NumGC
	c.lastPauseNs = m.PauseTotalNs
}
