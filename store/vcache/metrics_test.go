package vcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tiered-cache/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	restore, err := telemetry.UseMeterProvider(mp)
	require.NoError(t, err)
	t.Cleanup(func() {
		restore()
		_ = mp.Shutdown(context.Background())
	})
	return reader
}

// gaugeValue returns the last recorded value of an int64 gauge.
func gaugeValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "%s is not an int64 gauge", name)
			require.Len(t, g.DataPoints, 1)
			return g.DataPoints[0].Value
		}
	}
	t.Fatalf("gauge %s not recorded", name)
	return 0
}

func TestCache_StateGauges(t *testing.T) {
	reader := installReader(t)
	c := newTestCache(t, Config{PromotionThreshold: 1, PromotionRequeueStep: 1})

	_, err := c.Put("a", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	_, err = c.Put("b", []float32{0, 1, 0}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), gaugeValue(t, reader, "tiered_cache_l1_entries"))

	c.Get("a")
	require.Equal(t, int64(1), gaugeValue(t, reader, "tiered_cache_l1_promotion_queue_depth"))

	require.True(t, c.Remove("a"))
	require.Equal(t, int64(1), gaugeValue(t, reader, "tiered_cache_l1_entries"))
	require.Equal(t, int64(0), gaugeValue(t, reader, "tiered_cache_l1_promotion_queue_depth"),
		"removing an oid drops its queued candidate")
}
