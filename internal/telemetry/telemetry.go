//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds names and helpers shared by the trace and metric
// packages.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Resource and instrument names.
const (
	ServiceName      = "dbagent"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-dbagent"
	InstrumentName   = "trpc.dbagent.go"

	SpanNameCallLLM           = "call_llm"
	SpanNamePrefixExecuteTool = "execute_tool"
	SpanNamePrefixExecuteNode = "execute_node"
	SpanNameExecuteGraph      = "execute_graph"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Span attribute keys.
var (
	KeyThreadID     = "trpc.go.dbagent.thread_id"
	KeyRunID        = "trpc.go.dbagent.run_id"
	KeyNodeID       = "trpc.go.dbagent.node_id"
	KeyNextNode     = "trpc.go.dbagent.next_node"
	KeyCheckpointID = "trpc.go.dbagent.checkpoint_id"
	KeyError        = "trpc.go.dbagent.error"
	KeyToolName     = "gen_ai.tool.name"
	KeyToolCallID   = "trpc.go.dbagent.tool_call_id"
	KeyToolArgs     = "trpc.go.dbagent.tool_call_args"
	KeyToolResponse = "trpc.go.dbagent.tool_response"
	KeyStepID       = "trpc.go.dbagent.step_id"
)

// TraceToolCall annotates a tool execution span.
func TraceToolCall(span trace.Span, name, callID, args, output string, stepID int) {
	span.SetAttributes(
		attribute.String("gen_ai.system", "trpc.go.dbagent"),
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String(KeyToolName, name),
		attribute.String(KeyToolCallID, callID),
		attribute.String(KeyToolArgs, args),
		attribute.String(KeyToolResponse, output),
		attribute.Int(KeyStepID, stepID),
	)
}

// NewGRPCConn dials the collector without transport security.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
