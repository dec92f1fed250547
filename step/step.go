//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package step folds per-invocation tool results into durable step records
// and attaches explanations to them.
package step

import (
	"encoding/json"
	"strings"
	"time"
)

// ErrorPrefix marks tool outputs that carry a failure instead of a result.
const ErrorPrefix = "Error:"

// Result is the outcome of one tool invocation.
type Result struct {
	// InvocationID is the id the model assigned to the tool call.
	InvocationID string `json:"invocation_id"`
	// ToolName is the invoked tool.
	ToolName string `json:"tool_name"`
	// Arguments is the raw JSON argument string.
	Arguments string `json:"arguments"`
	// Output is the textual result; failures start with "Error:".
	Output string `json:"output"`
	// StepID is the turn the invocation belongs to.
	StepID int `json:"step_id"`
	// Sequence is the submission order inside the turn.
	Sequence int `json:"sequence"`
	// Visualizations returned by the tool, if any.
	Visualizations []json.RawMessage `json:"visualizations,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at"`
}

// IsError reports whether the output is an error result.
func (r Result) IsError() bool {
	return strings.HasPrefix(r.Output, ErrorPrefix)
}

// Step is the durable record of one tool group within a turn. All groups of
// the same turn share ID.
type Step struct {
	ID            int       `json:"id"`
	Type          string    `json:"type"`
	Input         string    `json:"input"`
	Output        string    `json:"output"`
	InvocationIDs []string  `json:"invocation_ids"`
	Timestamp     time.Time `json:"timestamp"`

	Decision   string  `json:"decision,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	WhyChosen  string  `json:"why_chosen,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Explained  bool    `json:"explained"`
}

// Explanation describes why a step was taken.
type Explanation struct {
	Decision   string  `json:"decision"`
	Reasoning  string  `json:"reasoning"`
	WhyChosen  string  `json:"why_chosen"`
	Confidence float64 `json:"confidence"`
}

// Explain fills the explanation fields once. Later calls are ignored.
func (s *Step) Explain(e Explanation) {
	if s.Explained {
		return
	}
	s.Decision = e.Decision
	s.Reasoning = e.Reasoning
	s.WhyChosen = e.WhyChosen
	s.Confidence = clamp(e.Confidence)
	s.Explained = true
}

// Merge replaces every step of existing that shares an id with incoming and
// appends incoming. Re-running aggregation for a turn therefore never
// duplicates its steps.
func Merge(existing, incoming []Step) []Step {
	if len(incoming) == 0 {
		return append([]Step(nil), existing...)
	}
	replaced := make(map[int]struct{}, len(incoming))
	for _, s := range incoming {
		replaced[s.ID] = struct{}{}
	}
	out := make([]Step, 0, len(existing)+len(incoming))
	for _, s := range existing {
		if _, ok := replaced[s.ID]; ok {
			continue
		}
		out = append(out, s)
	}
	return append(out, incoming...)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
