//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package tool defines the callable actions the agent may invoke and the
// registry that resolves them by name.
package tool

import "context"

// Tool is anything the model can be told about.
type Tool interface {
	Declaration() *Declaration
}

// CallableTool is a Tool the dispatcher can run. jsonArgs has already been
// validated against the declared input schema.
type CallableTool interface {
	Tool
	Call(ctx context.Context, jsonArgs []byte) (any, error)
}

// Declaration is the name, purpose and argument schema shown to the model.
type Declaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	InputSchema *Schema `json:"inputSchema"`
}

// Schema is the JSON schema subset used to describe tool arguments.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties any                `json:"additionalProperties,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
}

// Visualization is a chart or table description a tool may return next to
// its textual result. The agent collects them into the thread's
// visualizations list.
type Visualization struct {
	Type  string         `json:"type"`
	Title string         `json:"title,omitempty"`
	Spec  map[string]any `json:"spec,omitempty"`
}

// VisualResult is returned by tools that produce visualizations. Output is
// what the model sees.
type VisualResult struct {
	Output         any             `json:"output"`
	Visualizations []Visualization `json:"visualizations,omitempty"`
}
