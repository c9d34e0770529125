// Package metrics records funnel's operational counters.
//
// Instruments are created on an OTel meter; with no MeterProvider configured
// the API hands out noop instruments. A local snapshot of every counter is
// kept as well so the HTTP front door can serve /stats without an exporter.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for funnel metrics.
const meterName = "github.com/roach88/funnel"

// Instrument names.
const (
	EventsName        = "funnel.events"
	StoreName         = "funnel.store.mutations"
	PublishName       = "funnel.bus.published"
	StageName         = "funnel.stage.executions"
	StageDurationName = "funnel.stage.duration"
)

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	events        metric.Int64Counter
	store         metric.Int64Counter
	publish       metric.Int64Counter
	stages        metric.Int64Counter
	stageDuration metric.Float64Histogram

	mu     sync.Mutex
	counts map[string]int64
}

// New creates metrics on the global OTel MeterProvider.
func New() *Metrics {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates metrics on the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{counts: make(map[string]int64)}

	// On error the API returns noop instruments, so errors are ignored.
	m.events, _ = meter.Int64Counter(EventsName,
		metric.WithDescription("Events taken off the bus, by status"),
		metric.WithUnit("{event}"))
	m.store, _ = meter.Int64Counter(StoreName,
		metric.WithDescription("Versioned store writes, by outcome"),
		metric.WithUnit("{record}"))
	m.publish, _ = meter.Int64Counter(PublishName,
		metric.WithDescription("Bus publishes, by status"),
		metric.WithUnit("{message}"))
	m.stages, _ = meter.Int64Counter(StageName,
		metric.WithDescription("Workflow stage executions, by status"),
		metric.WithUnit("{execution}"))
	m.stageDuration, _ = meter.Float64Histogram(StageDurationName,
		metric.WithDescription("Duration of stage execution in seconds"),
		metric.WithUnit("s"))
	return m
}

func (m *Metrics) bump(key string) {
	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
}

// Event counts one envelope with status received, worked, dropped or error.
func (m *Metrics) Event(ctx context.Context, name, status string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", name),
		attribute.String("status", status),
	))
	m.bump("events." + status)
}

// StoreMutation counts one versioned write.
func (m *Metrics) StoreMutation(ctx context.Context, table, outcome string) {
	if m == nil {
		return
	}
	m.store.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	))
	m.bump("store." + outcome)
}

// Published counts one publish attempt outcome.
func (m *Metrics) Published(ctx context.Context, topic string, err error) {
	if m == nil {
		return
	}
	status := statusOf(err)
	m.publish.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("status", status),
	))
	m.bump("publish." + status)
}

// StageExecuted counts one stage run and records its duration.
func (m *Metrics) StageExecuted(ctx context.Context, funnel, stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("funnel", funnel),
		attribute.String("stage", stage),
		attribute.String("status", statusOf(err)),
	)
	m.stages.Add(ctx, 1, attrs)
	m.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.bump("stages." + statusOf(err))
}

// Snapshot returns a copy of the local counters.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// Keys returns the snapshot keys in sorted order.
func Keys(snapshot map[string]int64) []string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
