/*
Package sdk provides the tinymc client: record measurements from anywhere in your
program, aggregate them in memory per minute, and ship compact summaries to a
metric gateway in the background.

# Quick Start

	package main

	import (
	    "context"
	    "log"

	    "github.com/nicktill/tinymc/pkg/sdk"
	)

	func main() {
	    client, err := sdk.New(sdk.ClientConfig{
	        SendAPI: "http://localhost:6066/v1/metric/send",
	        Token:   "my-app-token",
	    })
	    if err != nil {
	        log.Fatal(err)
	    }

	    client.Start(context.Background())
	    defer client.Stop()

	    client.Counter("orders_created", 1)
	    client.Timing("checkout_ms", 42)
	}

# Metric Kinds

Every kind is aggregated per metric name and per minute:

	client.Set("queue_depth", 17)          // last value wins
	client.Counter("requests", 1)          // sum
	client.Max("batch_size", 512)          // largest value
	client.Min("free_slots", 3)            // smallest value
	client.Avg("cpu_load", 0.7)            // count + sum, mean computed by the gateway
	client.Timing("db_query_ms", 12.5)     // count, sum, min, max
	client.Summary("latency_ms", 87,       // t-digest, percentiles computed by the gateway
	    sdk.WithPercentiles(50, 99))

Recordings default to the current time. Use WithTimestamp to place a value in
another minute; timestamps more than a year away from now are rejected.

Counter, Max, Min and Avg accept aggregation labels that are passed to the
gateway untouched:

	client.Counter("http_requests", 1, sdk.WithLabels(map[string]string{
	    "route": "/api/users",
	}))

Labels do not split aggregates: the first labels recorded for a name and minute
are the ones sent.

# Flushing

The first recording after a flush arms a timer (FlushInterval, default 10
seconds). When it fires, every aggregate is detached from the store and sent;
the timer is not re-armed until something is recorded again, so an idle client
makes no requests.

	// Send everything now (blocks until delivery finished)
	client.ForceFlush(ctx)

	// Graceful shutdown (flushes pending aggregates unless Daemon is set)
	client.Stop()

Aggregates are sent in batches of at most MaxBatchSize (default 5000). A batch
that fails on the network or with a non-2xx status is retried once; a batch the
gateway rejects with a non-zero errcode is not retried. Batches that still fail
are dropped and logged. Later batches are sent regardless.

# Error Handling

Recording methods never return errors and never panic on bad input. Empty
names, NaN values, out-of-range timestamps and invalid percentiles are logged
through ClientConfig.Logger and discarded without touching any aggregate.

# Observability

Pass a prometheus.Registerer as ClientConfig.Registerer to expose the client's
own counters (recordings, validation errors, flushes, batches, dropped records).

# Sharing a Client

Create one Client per gateway and token at your composition root. Code that
cannot receive the client explicitly can use Shared, which hands out one started
client per (SendAPI, Token) pair.

# See Also

  - pkg/sdk/httpx for HTTP middleware
  - pkg/sdk/runtime for Go runtime metrics
  - pkg/sdk/aggregate for the aggregation rules
  - pkg/sdk/batch for delivery and retries
*/
package sdk
