//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"encoding/json"
	"fmt"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
)

// Status is the reviewer's decision recorded on the thread.
type Status string

// Review statuses.
const (
	StatusApproved  Status = "approved"
	StatusFeedback  Status = "feedback"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known decision.
func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusFeedback, StatusCancelled:
		return true
	}
	return false
}

// Decision is the human input that resumes a thread.
type Decision struct {
	Action  Status `json:"action"`
	Comment string `json:"comment,omitempty"`
	// CheckpointID, when set, must equal the thread head.
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Validate checks the decision.
func (d Decision) Validate() error {
	if !d.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, d.Action)
	}
	return nil
}

// State is the durable state of one thread. Only node deltas change it.
type State struct {
	ThreadID       string            `json:"thread_id"`
	Messages       []model.Message   `json:"messages"`
	Query          string            `json:"query"`
	Plan           string            `json:"plan,omitempty"`
	Steps          []step.Step       `json:"steps"`
	StepCounter    int               `json:"step_counter"`
	Status         Status            `json:"status,omitempty"`
	HumanComment   string            `json:"human_comment,omitempty"`
	Visualizations []json.RawMessage `json:"visualizations,omitempty"`
	UsePlanning    bool              `json:"use_planning"`
	UseExplainer   bool              `json:"use_explainer"`
	AgentType      string            `json:"agent_type,omitempty"`
	Answer         string            `json:"answer,omitempty"`
	PlanRevisions  int               `json:"plan_revisions,omitempty"`
	// PendingToolCalls are the calls of the current turn awaiting dispatch.
	PendingToolCalls []model.ToolCall `json:"pending_tool_calls,omitempty"`
	// PendingResults are dispatched results awaiting aggregation.
	PendingResults []step.Result `json:"pending_results,omitempty"`
	// Error is the failure of the last attempted node, if any.
	Error string `json:"error,omitempty"`
}

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	c := s
	c.Messages = append([]model.Message(nil), s.Messages...)
	c.Steps = append([]step.Step(nil), s.Steps...)
	c.Visualizations = append([]json.RawMessage(nil), s.Visualizations...)
	c.PendingToolCalls = append([]model.ToolCall(nil), s.PendingToolCalls...)
	c.PendingResults = append([]step.Result(nil), s.PendingResults...)
	return c
}

// Delta is the change one node makes to State. Slices named as appended are
// concatenated; pointer fields replace when non-nil.
type Delta struct {
	// Messages are appended.
	Messages []model.Message `json:"messages,omitempty"`
	// Visualizations are appended.
	Visualizations []json.RawMessage `json:"visualizations,omitempty"`
	// Steps replace existing steps with the same id, then append.
	Steps []step.Step `json:"steps,omitempty"`

	Plan          *string `json:"plan,omitempty"`
	Status        *Status `json:"status,omitempty"`
	HumanComment  *string `json:"human_comment,omitempty"`
	StepCounter   *int    `json:"step_counter,omitempty"`
	AgentType     *string `json:"agent_type,omitempty"`
	Answer        *string `json:"answer,omitempty"`
	PlanRevisions *int    `json:"plan_revisions,omitempty"`

	// PendingToolCalls replaces the pending calls when non-nil.
	PendingToolCalls []model.ToolCall `json:"pending_tool_calls,omitempty"`
	ClearToolCalls   bool             `json:"clear_tool_calls,omitempty"`
	// PendingResults replaces the pending results when non-nil.
	PendingResults []step.Result `json:"pending_results,omitempty"`
	ClearResults   bool          `json:"clear_results,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Merge applies d to prev and returns the next state. prev is not modified.
func Merge(prev State, d Delta) State {
	next := prev.Clone()
	next.Messages = append(next.Messages, d.Messages...)
	next.Visualizations = append(next.Visualizations, d.Visualizations...)
	if len(d.Steps) > 0 {
		next.Steps = step.Merge(next.Steps, d.Steps)
	}
	if d.Plan != nil {
		next.Plan = *d.Plan
	}
	if d.Status != nil {
		next.Status = *d.Status
	}
	if d.HumanComment != nil {
		next.HumanComment = *d.HumanComment
	}
	if d.StepCounter != nil {
		next.StepCounter = *d.StepCounter
	}
	if d.AgentType != nil {
		next.AgentType = *d.AgentType
	}
	if d.Answer != nil {
		next.Answer = *d.Answer
	}
	if d.PlanRevisions != nil {
		next.PlanRevisions = *d.PlanRevisions
	}
	switch {
	case d.ClearToolCalls:
		next.PendingToolCalls = nil
	case d.PendingToolCalls != nil:
		next.PendingToolCalls = append([]model.ToolCall(nil), d.PendingToolCalls...)
	}
	switch {
	case d.ClearResults:
		next.PendingResults = nil
	case d.PendingResults != nil:
		next.PendingResults = append([]step.Result(nil), d.PendingResults...)
	}
	return next
}
