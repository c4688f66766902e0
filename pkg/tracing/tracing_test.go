package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/d60-Lab/catalog-outbox/config"
)

func TestInitDisabledKeepsGlobals(t *testing.T) {
	before := otel.GetMeterProvider()
	shutdown, err := Init(context.Background(), "svc", config.TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetMeterProvider())
}

func TestInitInstallsMeterProvider(t *testing.T) {
	t.Cleanup(func() {
		otel.SetMeterProvider(noop.NewMeterProvider())
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	})

	shutdown, err := Init(context.Background(), "svc", config.TracingConfig{
		Enabled:        true,
		Endpoint:       "127.0.0.1:1",
		Insecure:       true,
		SampleRatio:    1,
		MetricInterval: time.Hour,
	})
	require.NoError(t, err)
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())

	// 收集端不存在，关闭时的最后一次导出允许失败
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestNewMeterProviderFeedsReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(nil, reader)
	defer func() { _ = mp.Shutdown(context.Background()) }()

	c, err := mp.Meter("test").Int64Counter("hits")
	require.NoError(t, err)
	c.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	sum := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	assert.EqualValues(t, 2, sum.DataPoints[0].Value)
}
