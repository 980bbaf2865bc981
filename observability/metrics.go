// Package observability records opbus delivery metrics via OpenTelemetry.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for opbus metrics.
const meterName = "github.com/opsline/opbus"

// Metrics bundles the bus delivery instruments. All recording methods are
// nil-safe: components hold a *Metrics unconditionally and a nil value
// means metrics are disabled.
//
// Instruments:
//   - opbus.events.appended (Int64Counter): events persisted, by event_type
//   - opbus.broadcast.delivered (Int64Counter): events enqueued to
//     connections
//   - opbus.broadcast.dropped (Int64Counter): events dropped on full
//     connection queues
//   - opbus.connections.evicted (Int64Counter): slow-consumer evictions
//   - opbus.connections.active (Int64UpDownCounter): live connections
type Metrics struct {
	appended    metric.Int64Counter
	delivered   metric.Int64Counter
	dropped     metric.Int64Counter
	evicted     metric.Int64Counter
	connections metric.Int64UpDownCounter
}

// New creates Metrics using the global OTel MeterProvider. If no provider
// is configured, noop instruments are used and recording is free.
func New() *Metrics {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates Metrics with the provided meter. This variant
// allows injecting a specific MeterProvider for testing.
func NewWithMeter(meter metric.Meter) *Metrics {
	// Instruments are created once; on error the OTel API returns noop
	// instruments, so recording degrades gracefully.
	appended, _ := meter.Int64Counter(
		"opbus.events.appended",
		metric.WithDescription("Events persisted to operation logs"),
		metric.WithUnit("{event}"),
	)
	delivered, _ := meter.Int64Counter(
		"opbus.broadcast.delivered",
		metric.WithDescription("Events enqueued to stream connections"),
		metric.WithUnit("{event}"),
	)
	dropped, _ := meter.Int64Counter(
		"opbus.broadcast.dropped",
		metric.WithDescription("Events dropped on full connection queues"),
		metric.WithUnit("{event}"),
	)
	evicted, _ := meter.Int64Counter(
		"opbus.connections.evicted",
		metric.WithDescription("Connections evicted as slow consumers"),
		metric.WithUnit("{connection}"),
	)
	connections, _ := meter.Int64UpDownCounter(
		"opbus.connections.active",
		metric.WithDescription("Live stream connections"),
		metric.WithUnit("{connection}"),
	)
	return &Metrics{
		appended:    appended,
		delivered:   delivered,
		dropped:     dropped,
		evicted:     evicted,
		connections: connections,
	}
}

// EventAppended records a persisted event.
func (m *Metrics) EventAppended(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.appended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// Delivered records events enqueued to connections.
func (m *Metrics) Delivered(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.Add(ctx, n)
}

// Dropped records events dropped on full queues.
func (m *Metrics) Dropped(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.Add(ctx, n)
}

// Evicted records a slow-consumer eviction.
func (m *Metrics) Evicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.evicted.Add(ctx, 1)
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}
