//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package metric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "custom-metric:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic-endpoint:4317")
	assert.Equal(t, "custom-metric:4317", metricsEndpoint())

	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	assert.Equal(t, "generic-endpoint:4317", metricsEndpoint())

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.Equal(t, "localhost:4317", metricsEndpoint())
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestRecorders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	SetMeter(provider.Meter("test"))
	t.Cleanup(func() { SetMeter(noopm.Meter{}) })

	ctx := context.Background()
	RecordNodeExecution(ctx, "acting", OutcomeSuccess)
	RecordNodeExecution(ctx, "acting", OutcomeSuccess)
	RecordToolInvocation(ctx, "run_query", OutcomeError, 20*time.Millisecond)
	RecordCheckpointWrite(ctx, OutcomeSuccess)

	data := collect(t, reader)
	nodes, ok := data["dbagent.graph.node.executions"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, nodes.DataPoints, 1)
	assert.Equal(t, int64(2), nodes.DataPoints[0].Value)

	tools, ok := data["dbagent.tool.invocations"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, tools.DataPoints, 1)
	v, _ := tools.DataPoints[0].Attributes.Value("outcome")
	assert.Equal(t, OutcomeError, v.AsString())

	latency, ok := data["dbagent.tool.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, latency.DataPoints, 1)
	assert.Equal(t, uint64(1), latency.DataPoints[0].Count)

	_, ok = data["dbagent.checkpoint.writes"]
	assert.True(t, ok)
}

func TestNoopMeterDoesNotPanic(t *testing.T) {
	SetMeter(noopm.Meter{})
	assert.NotPanics(t, func() {
		RecordNodeExecution(context.Background(), "x", OutcomeError)
		RecordToolInvocation(context.Background(), "x", OutcomePanic, time.Second)
	})
}
