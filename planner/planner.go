//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package planner produces execution plans for a user request and classifies
// reviewer feedback on a proposed plan.
package planner

import (
	"context"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
)

// ReviewKind is the outcome of reviewing feedback on a plan.
type ReviewKind string

// Review outcomes.
const (
	// ReviewAnswer responds to the feedback without changing the plan.
	ReviewAnswer ReviewKind = "answer"
	// ReviewReplan replaces the plan.
	ReviewReplan ReviewKind = "replan"
	// ReviewCancel abandons the request.
	ReviewCancel ReviewKind = "cancel"
)

// PlanRequest asks for a plan.
type PlanRequest struct {
	Query string
	// History holds earlier turns of the thread.
	History []model.Message
	// Manifest lists the available tools, one "- name: description" per line.
	Manifest  string
	AgentType string
}

// ReviewRequest carries reviewer feedback on the current plan.
type ReviewRequest struct {
	Query    string
	Plan     string
	Comment  string
	History  []model.Message
	Manifest string
}

// Review is the classified feedback.
type Review struct {
	Kind ReviewKind `json:"action"`
	// Answer is the reply shown to the reviewer.
	Answer string `json:"response,omitempty"`
	// Plan is the revised plan when Kind is ReviewReplan.
	Plan string `json:"plan,omitempty"`
}

// Planner drafts and revises plans. onChunk, when non-nil, receives the
// model's partial output as it streams.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest, onChunk model.ChunkFunc) (string, error)
	Review(ctx context.Context, req ReviewRequest, onChunk model.ChunkFunc) (Review, error)
}
