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
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Checkpoint sources.
const (
	CheckpointSourceInput  = "input"
	CheckpointSourceLoop   = "loop"
	CheckpointSourceResume = "resume"
	CheckpointSourceError  = "error"
)

// Checkpoint is an immutable snapshot of a thread after one node.
type Checkpoint struct {
	ID       string `json:"checkpoint_id"`
	ThreadID string `json:"thread_id"`
	ParentID string `json:"parent_checkpoint_id,omitempty"`
	State    State  `json:"state"`
	// NextNodes holds the pending transition; empty once the run finished.
	NextNodes []string `json:"next_nodes"`
	// NodeID is the node whose completion produced the checkpoint.
	NodeID    string    `json:"node_id,omitempty"`
	Step      int       `json:"step"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCheckpoint creates a checkpoint with a fresh id.
func NewCheckpoint(threadID, parentID string, state State, next []string) *Checkpoint {
	return &Checkpoint{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		ParentID:  parentID,
		State:     state.Clone(),
		NextNodes: append([]string{}, next...),
		CreatedAt: time.Now().UTC(),
	}
}

// Copy returns a deep copy.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.State = c.State.Clone()
	cp.NextNodes = append([]string{}, c.NextNodes...)
	return &cp
}

// Next returns the pending node or "" when the run finished.
func (c *Checkpoint) Next() string {
	if c == nil || len(c.NextNodes) == 0 {
		return ""
	}
	return c.NextNodes[0]
}

// Write is one entry of the append-only audit log of node deltas.
type Write struct {
	CheckpointID string          `json:"checkpoint_id"`
	NodeID       string          `json:"node_id"`
	Delta        json.RawMessage `json:"delta"`
	Seq          int64           `json:"seq"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PutRequest stores a checkpoint if the thread head still equals
// ExpectedHead ("" for a new thread).
type PutRequest struct {
	Checkpoint   *Checkpoint
	ExpectedHead string
	Writes       []Write
}

// CheckpointSaver persists checkpoints.
type CheckpointSaver interface {
	// Get returns the checkpoint with checkpointID, or the head when
	// checkpointID is empty. It returns nil, nil when nothing is found.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
	// Put stores a checkpoint and its writes atomically and makes it the
	// thread head. It fails with ErrCheckpointConflict when the head moved.
	Put(ctx context.Context, req PutRequest) error
	// List returns up to limit checkpoints, newest first. limit <= 0 means all.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)
	// Writes returns the audit log entries of a checkpoint in order.
	Writes(ctx context.Context, threadID, checkpointID string) ([]Write, error)
	// DeleteThread removes every checkpoint of a thread.
	DeleteThread(ctx context.Context, threadID string) error
}
