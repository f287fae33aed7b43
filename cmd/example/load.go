package main

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinymc/pkg/sdk"
)

// recorder is the part of the client the load generator drives.
type recorder interface {
	Set(name string, value float64, opts ...sdk.Option)
	Counter(name string, value float64, opts ...sdk.Option)
	Max(name string, value float64, opts ...sdk.Option)
	Min(name string, value float64, opts ...sdk.Option)
	Avg(name string, value float64, opts ...sdk.Option)
	Timing(name string, value float64, opts ...sdk.Option)
	Summary(name string, value float64, opts ...sdk.Option)
}

// loadGenerator records every metric kind from many goroutines at once.
type loadGenerator struct {
	client     recorder
	workers    int
	iterations int
}

// Round runs workers concurrently until each has recorded iterations values of
// every kind.
func (g *loadGenerator) Round(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < g.workers; w++ {
		eg.Go(func() error {
			return g.work(ctx)
		})
	}
	return eg.Wait()
}

func (g *loadGenerator) work(ctx context.Context) error {
	for i := 0; i < g.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := float64(i)
		g.client.Summary("summary_metric", v, sdk.WithPercentiles(50, 90, 95, 99))
		g.client.Timing("timing_metric", v*100)
		g.client.Counter("counter_metric", 1)
		g.client.Max("max_metric", v)
		g.client.Min("min_metric", v)
		g.client.Avg("avg_metric", v)
		g.client.Set("set_metric", v)
	}
	return nil
}
