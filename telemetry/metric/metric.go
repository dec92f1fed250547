//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package metric provides the global meter, the OTLP metric exporter setup
// and the instruments recorded by the executor and tool dispatcher.
package metric

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	itelemetry "trpc.group/trpc-go/trpc-dbagent-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
)

// Outcome attribute values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomePanic   = "panic"
)

var (
	mu sync.Mutex
	// meter is the global meter. It is a no-op until Start or SetMeter is called.
	meter metric.Meter = noopm.Meter{}
	inst  *instruments
)

type instruments struct {
	nodeExecutions   metric.Int64Counter
	toolInvocations  metric.Int64Counter
	toolLatency      metric.Float64Histogram
	checkpointWrites metric.Int64Counter
}

// Meter returns the current global meter.
func Meter() metric.Meter {
	mu.Lock()
	defer mu.Unlock()
	return meter
}

// SetMeter replaces the global meter and drops cached instruments.
func SetMeter(m metric.Meter) {
	mu.Lock()
	defer mu.Unlock()
	meter = m
	inst = nil
}

func current() *instruments {
	mu.Lock()
	defer mu.Unlock()
	if inst != nil {
		return inst
	}
	i := &instruments{}
	var err error
	if i.nodeExecutions, err = meter.Int64Counter("dbagent.graph.node.executions",
		metric.WithDescription("Graph node executions by node and outcome")); err != nil {
		log.Warnf("create node executions counter: %v", err)
		i.nodeExecutions, _ = noopm.Meter{}.Int64Counter("noop")
	}
	if i.toolInvocations, err = meter.Int64Counter("dbagent.tool.invocations",
		metric.WithDescription("Tool invocations by tool and outcome")); err != nil {
		log.Warnf("create tool invocations counter: %v", err)
		i.toolInvocations, _ = noopm.Meter{}.Int64Counter("noop")
	}
	if i.toolLatency, err = meter.Float64Histogram("dbagent.tool.duration",
		metric.WithDescription("Tool execution latency"), metric.WithUnit("s")); err != nil {
		log.Warnf("create tool latency histogram: %v", err)
		i.toolLatency, _ = noopm.Meter{}.Float64Histogram("noop")
	}
	if i.checkpointWrites, err = meter.Int64Counter("dbagent.checkpoint.writes",
		metric.WithDescription("Checkpoint writes by outcome")); err != nil {
		log.Warnf("create checkpoint writes counter: %v", err)
		i.checkpointWrites, _ = noopm.Meter{}.Int64Counter("noop")
	}
	inst = i
	return i
}

// RecordNodeExecution counts one graph node execution.
func RecordNodeExecution(ctx context.Context, node, outcome string) {
	current().nodeExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("outcome", outcome),
	))
}

// RecordToolInvocation counts one tool call and records its latency.
func RecordToolInvocation(ctx context.Context, tool, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	i := current()
	i.toolInvocations.Add(ctx, 1, attrs)
	i.toolLatency.Record(ctx, d.Seconds(), attrs)
}

// RecordCheckpointWrite counts one checkpoint persistence attempt.
func RecordCheckpointWrite(ctx context.Context, outcome string) {
	current().checkpointWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// Start installs an OTLP gRPC exporting meter provider and returns a cleanup
// function.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	metricOpts := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
		metricsEndpoint:  metricsEndpoint(),
		interval:         30 * time.Second,
	}
	for _, opt := range opts {
		opt(metricOpts)
	}
	conn, err := itelemetry.NewGRPCConn(metricOpts.metricsEndpoint)
	if err != nil {
		return nil, err
	}
	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(metricOpts.serviceNamespace),
			semconv.ServiceName(metricOpts.serviceName),
			semconv.ServiceVersion(metricOpts.serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricOpts.interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	SetMeter(provider.Meter(itelemetry.InstrumentName))

	return func() error {
		if err := provider.Shutdown(ctx); err != nil {
			return err
		}
		return conn.Close()
	}, nil
}

// metricsEndpoint resolves the collector from the environment.
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT wins over OTEL_EXPORTER_OTLP_ENDPOINT.
func metricsEndpoint() string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return "localhost:4317"
}

type options struct {
	serviceName      string
	serviceVersion   string
	serviceNamespace string
	metricsEndpoint  string
	interval         time.Duration
}

// Option configures Start.
type Option func(*options)

// WithEndpoint sets the collector host:port.
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.metricsEndpoint = endpoint
	}
}

// WithInterval sets the export period.
func WithInterval(d time.Duration) Option {
	return func(opts *options) {
		if d > 0 {
			opts.interval = d
		}
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(opts *options) {
		opts.serviceName = name
	}
}
