package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/xiaot623/livesession"

// Counters are the application counters. They are bound to the global meter
// provider, so they report through whatever Init installed.
type Counters struct {
	DedupDropped      metric.Int64Counter
	ControlStale      metric.Int64Counter
	FeedDegraded      metric.Int64Counter
	MessagesWritten   metric.Int64Counter
	InvoicesGenerated metric.Int64Counter
}

var (
	countersOnce sync.Once
	counters     *Counters
)

// Instruments returns the process-wide counters.
func Instruments() *Counters {
	countersOnce.Do(func() {
		counters = newCounters(otel.Meter(instrumentationName))
	})
	return counters
}

func newCounters(meter metric.Meter) *Counters {
	return &Counters{
		DedupDropped:      counter(meter, "livesession.dedup.dropped", "Feed deliveries dropped as duplicates"),
		ControlStale:      counter(meter, "livesession.control.stale", "Control events rejected after session end"),
		FeedDegraded:      counter(meter, "livesession.feed.degraded", "Subscriptions that exhausted their retries"),
		MessagesWritten:   counter(meter, "livesession.messages.written", "Chat messages persisted"),
		InvoicesGenerated: counter(meter, "livesession.invoices.generated", "Invoices computed"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
	}
	return c
}

// Tracer returns a tracer for a component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}
