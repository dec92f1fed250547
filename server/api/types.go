//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package api

import (
	"time"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
)

// StartRequest opens a new request on a thread.
type StartRequest struct {
	HumanRequest string `json:"human_request"`
	ThreadID     string `json:"thread_id,omitempty"`
	// UsePlanning and UseExplainer default to true.
	UsePlanning  *bool  `json:"use_planning,omitempty"`
	UseExplainer *bool  `json:"use_explainer,omitempty"`
	AgentType    string `json:"agent_type,omitempty"`
}

// ResumeRequest records a review decision on a thread.
type ResumeRequest struct {
	ThreadID     string       `json:"thread_id"`
	ReviewAction graph.Status `json:"review_action"`
	HumanComment string       `json:"human_comment,omitempty"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
}

// RunResponse acknowledges a start or resume. The run executes once the
// thread stream is subscribed.
type RunResponse struct {
	ThreadID           string `json:"thread_id"`
	RunStatus          string `json:"run_status"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// StatusResponse is the short status of a thread.
type StatusResponse struct {
	Status    string   `json:"status"`
	NextNodes []string `json:"next_nodes"`
	Plan      string   `json:"plan"`
	StepCount int      `json:"step_count"`
}

// StateResponse is the full state at the thread head.
type StateResponse struct {
	CheckpointID string      `json:"checkpoint_id"`
	NextNodes    []string    `json:"next_nodes"`
	Status       string      `json:"status"`
	State        graph.State `json:"state"`
}

// HistoryEntry describes one checkpoint.
type HistoryEntry struct {
	CheckpointID string    `json:"checkpoint_id"`
	ParentID     string    `json:"parent_checkpoint_id,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	Step         int       `json:"step"`
	Source       string    `json:"source"`
	NextNodes    []string  `json:"next_nodes"`
	StepCount    int       `json:"step_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// startEcho is the payload of the start frame.
type startEcho struct {
	ThreadID           string `json:"thread_id"`
	HumanRequest       string `json:"human_request"`
	UsePlanning        bool   `json:"use_planning"`
	UseExplainer       bool   `json:"use_explainer"`
	AgentType          string `json:"agent_type,omitempty"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// resumeEcho is the payload of the resume frame.
type resumeEcho struct {
	ThreadID           string       `json:"thread_id"`
	ReviewAction       graph.Status `json:"review_action"`
	HumanComment       string       `json:"human_comment,omitempty"`
	AssistantMessageID string       `json:"assistant_message_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const runStatusPending = "pending"
