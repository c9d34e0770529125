package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "metric %s not found", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] for %s", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_CountsAndSnapshot(t *testing.T) {
	reader, mp := setupTestMeter()
	m := NewWithMeter(mp.Meter("test"))
	ctx := context.Background()

	m.Event(ctx, "records_inserted", "received")
	m.Event(ctx, "records_inserted", "worked")
	m.StoreMutation(ctx, "records", "inserted")
	m.StoreMutation(ctx, "records", "updated")
	m.Published(ctx, "events", nil)
	m.Published(ctx, "events", errors.New("broker down"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumValue(t, rm, EventsName))
	assert.Equal(t, int64(2), sumValue(t, rm, StoreName))
	assert.Equal(t, int64(2), sumValue(t, rm, PublishName))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["events.received"])
	assert.Equal(t, int64(1), snap["publish.error"])
	assert.Equal(t, int64(1), snap["store.updated"])
	assert.Equal(t, []string{"events.received", "events.worked", "publish.error", "publish.ok", "store.inserted", "store.updated"}, Keys(snap))
}

func TestMetrics_StageDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := NewWithMeter(mp.Meter("test"))

	m.StageExecuted(context.Background(), "visit", "remind", 250*time.Millisecond, nil)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(1), sumValue(t, rm, StageName))

	hm := findMetric(rm, StageDurationName)
	require.NotNil(t, hm)
	hist, ok := hm.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Event(ctx, "x", "received")
	m.StoreMutation(ctx, "t", "inserted")
	m.Published(ctx, "events", nil)
	m.StageExecuted(ctx, "f", "s", time.Second, nil)
	assert.Empty(t, m.Snapshot())
}
