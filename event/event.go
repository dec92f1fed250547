//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package event defines the live events a graph run emits while it executes.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
)

// Object types emitted besides the model chunk/completion types.
const (
	ObjectTypeNodeStart    = "graph.node.start"
	ObjectTypeNodeComplete = "graph.node.complete"
	ObjectTypeSteps        = "graph.steps"
	ObjectTypeInterrupt    = "graph.interrupt"
	ObjectTypeDone         = "graph.done"
)

// Stages tag model output by the node that produced it.
const (
	StagePlanning = "planning"
	StageActing   = "acting"
)

// Run statuses reported in Final.
const (
	StatusAwaitingApproval = "awaiting_approval"
	StatusRunning          = "running"
	StatusInterrupted      = "interrupted"
	StatusDone             = "done"
	StatusCancelled        = "cancelled"
	StatusError            = "error"
)

// Event is one item of a run's live stream.
type Event struct {
	// Response is the model output or status carried by the event.
	*model.Response

	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// InvocationID is the run the event belongs to.
	InvocationID string `json:"invocationId"`

	// Author is the node that produced the event.
	Author string `json:"author"`

	Timestamp time.Time `json:"timestamp"`

	// ThreadID is the conversation thread.
	ThreadID string `json:"threadId,omitempty"`

	// Stage tags model output, e.g. "planning".
	Stage string `json:"stage,omitempty"`

	// ToolResult is set on tool.response events.
	ToolResult *step.Result `json:"toolResult,omitempty"`

	// Steps is set on graph.steps events.
	Steps []step.Step `json:"steps,omitempty"`

	// Final is set on graph.interrupt and graph.done events.
	Final *Final `json:"final,omitempty"`
}

// Final summarizes a run when it halts.
type Final struct {
	ThreadID       string            `json:"thread_id"`
	CheckpointID   string            `json:"checkpoint_id"`
	Status         string            `json:"status"`
	NextNodes      []string          `json:"next_nodes"`
	Plan           string            `json:"plan,omitempty"`
	Answer         string            `json:"answer,omitempty"`
	Steps          []step.Step       `json:"steps"`
	Visualizations []json.RawMessage `json:"visualizations,omitempty"`
	NeedsApproval  bool              `json:"needs_approval"`
	Error          string            `json:"error,omitempty"`
}

// Option customizes a new event.
type Option func(*Event)

// WithResponse sets the carried response.
func WithResponse(rsp *model.Response) Option {
	return func(e *Event) {
		e.Response = rsp
	}
}

// WithObject sets the response object type.
func WithObject(o string) Option {
	return func(e *Event) {
		e.Object = o
	}
}

// WithStage tags the event with a stage.
func WithStage(stage string) Option {
	return func(e *Event) {
		e.Stage = stage
	}
}

// WithThreadID sets the thread.
func WithThreadID(threadID string) Option {
	return func(e *Event) {
		e.ThreadID = threadID
	}
}

// New creates an event with a fresh id.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		Response:     &model.Response{},
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewResponseEvent wraps a model response.
func NewResponseEvent(invocationID, author string, rsp *model.Response, opts ...Option) *Event {
	return New(invocationID, author, append([]Option{WithResponse(rsp)}, opts...)...)
}

// NewErrorEvent creates a terminal error event.
func NewErrorEvent(invocationID, author, errorType, message string, opts ...Option) *Event {
	e := New(invocationID, author, opts...)
	e.Object = model.ObjectTypeError
	e.Done = true
	e.Error = &model.ResponseError{Type: errorType, Message: message}
	return e
}

// NewToolResultEvent reports one resolved tool invocation.
func NewToolResultEvent(invocationID, author string, res step.Result, opts ...Option) *Event {
	e := New(invocationID, author, opts...)
	e.Object = model.ObjectTypeToolResponse
	e.Choices = []model.Choice{{
		Message: model.NewToolMessage(res.InvocationID, res.ToolName, res.Output),
	}}
	r := res
	e.ToolResult = &r
	return e
}

// NewStepsEvent reports the steps produced by one aggregation.
func NewStepsEvent(invocationID, author string, steps []step.Step, opts ...Option) *Event {
	e := New(invocationID, author, append([]Option{WithObject(ObjectTypeSteps)}, opts...)...)
	e.Steps = steps
	return e
}

// NewFinalEvent creates the graph.interrupt or graph.done event.
func NewFinalEvent(invocationID, author, object string, final *Final, opts ...Option) *Event {
	e := New(invocationID, author, append([]Option{WithObject(object)}, opts...)...)
	e.Done = true
	e.Final = final
	return e
}

// IsTerminal reports whether e ends the run's stream.
func (e *Event) IsTerminal() bool {
	if e == nil || e.Response == nil {
		return false
	}
	switch e.Object {
	case ObjectTypeInterrupt, ObjectTypeDone, model.ObjectTypeError:
		return true
	}
	return false
}

// Clone returns a copy that shares no mutable response state with e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Response = e.Response.Clone()
	if e.ToolResult != nil {
		r := *e.ToolResult
		clone.ToolResult = &r
	}
	if e.Steps != nil {
		clone.Steps = append([]step.Step(nil), e.Steps...)
	}
	if e.Final != nil {
		f := *e.Final
		clone.Final = &f
	}
	return &clone
}
