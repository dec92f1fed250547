//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package stream turns the live events of a graph run into ordered
// content-block updates for a remote subscriber.
package stream

import (
	"encoding/json"
	"fmt"

	"trpc.group/trpc-go/trpc-dbagent-go/message"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
)

// ContentBlock is one renderable unit of an assistant message.
type ContentBlock = message.ContentBlock

// Frame event names.
const (
	EventStart               = "start"
	EventResume              = "resume"
	EventContentBlock        = "content_block"
	EventStatus              = "status"
	EventCompleted           = "completed"
	EventVisualizationsReady = "visualizations_ready"
	EventMessage             = "message"
)

// Terminal values of the status frame.
const (
	StatusUserFeedback = "user_feedback"
	StatusFinished     = "finished"
	StatusError        = "error"
)

// Action is the mutation a content_block frame applies to its block.
type Action string

const (
	ActionStartToolCall              Action = "start_tool_call"
	ActionAddToolCall                Action = "add_tool_call"
	ActionStreamArgs                 Action = "stream_args"
	ActionUpdateToolResult           Action = "update_tool_result"
	ActionUpdateToolCallsExplanation Action = "update_tool_calls_explanation"
	ActionAppendText                 Action = "append_text"
	ActionFinalizeText               Action = "finalize_text"
	ActionAppendError                Action = "append_error"
	ActionUpdateToolError            Action = "update_tool_error"
	ActionAddVisualizations          Action = "add_visualizations"
	// ActionUpdateExplorer replaces the step list of the explorer block.
	ActionUpdateExplorer Action = "update_explorer"
)

// BlockDelta is the payload of a content_block frame. Data always holds the
// full rendered block after the action, so a client can render from the
// latest delta alone.
type BlockDelta struct {
	Action        Action            `json:"action"`
	BlockType     message.BlockType `json:"block_type"`
	BlockID       string            `json:"block_id"`
	Delta         string            `json:"delta,omitempty"`
	Data          json.RawMessage   `json:"data"`
	NeedsApproval bool              `json:"needs_approval,omitempty"`
	MessageStatus message.Status    `json:"message_status,omitempty"`
}

// TextData is the payload of a text block.
type TextData struct {
	Text  string `json:"text"`
	Stage string `json:"stage,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// ToolCallData is the payload of a tool_calls block.
type ToolCallData struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	// Arguments holds the parsed arguments once they form valid JSON.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// RawArguments holds the argument text while it is not yet valid JSON.
	RawArguments string  `json:"raw_arguments,omitempty"`
	Output       string  `json:"output,omitempty"`
	Explanation  string  `json:"explanation,omitempty"`
	Sequence     int     `json:"sequence"`
	StepID       int     `json:"step_id,omitempty"`
	Decision     string  `json:"decision,omitempty"`
	Reasoning    string  `json:"reasoning,omitempty"`
	WhyChosen    string  `json:"why_chosen,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// ExplorerData is the payload of an explorer block.
type ExplorerData struct {
	Steps []step.Step `json:"steps"`
}

// VisualizationsData is the payload of a visualizations block.
type VisualizationsData struct {
	Visualizations []json.RawMessage `json:"visualizations"`
}

// ErrorData is the payload of the error block, rendered as text.
type ErrorData struct {
	Text      string `json:"text"`
	ErrorType string `json:"error_type,omitempty"`
}

// StatusData is the payload of a status frame.
type StatusData struct {
	Status string `json:"status"`
}

// Completed is the structured result of a run. It is the payload of the
// completed frame and of result polling.
type Completed struct {
	ThreadID      string      `json:"thread_id"`
	CheckpointID  string      `json:"checkpoint_id"`
	Status        string      `json:"status"`
	Plan          string      `json:"plan"`
	Steps         []step.Step `json:"steps"`
	Answer        string      `json:"answer"`
	MessageID     string      `json:"message_id,omitempty"`
	NeedsApproval bool        `json:"needs_approval"`
	Error         string      `json:"error,omitempty"`
}

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  any
}

// Encode renders f in the text/event-stream wire format.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Event, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", f.Event, data)), nil
}

// ProtocolError reports an upstream event the translator could not apply.
type ProtocolError struct {
	InvocationID string
	Reason       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream protocol error for invocation %q: %s", e.InvocationID, e.Reason)
}
