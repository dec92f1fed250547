//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-process checkpoint saver.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
)

type thread struct {
	head        string
	order       []string // checkpoint ids, oldest first
	checkpoints map[string]*graph.Checkpoint
	writes      map[string][]graph.Write
}

// Saver keeps checkpoints in memory. Saved and returned checkpoints are
// copies.
type Saver struct {
	mu      sync.RWMutex
	threads map[string]*thread
	// maxCheckpointsPerThread limits retained checkpoints; 0 keeps all.
	maxCheckpointsPerThread int
}

// NewSaver creates an empty saver.
func NewSaver() *Saver {
	return &Saver{threads: make(map[string]*thread)}
}

// WithMaxCheckpointsPerThread bounds retained checkpoints per thread. The
// oldest are evicted first; the head is never evicted.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// Get implements graph.CheckpointSaver.
func (s *Saver) Get(_ context.Context, threadID, checkpointID string) (*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	if checkpointID == "" {
		checkpointID = t.head
	}
	return t.checkpoints[checkpointID].Copy(), nil
}

// Put implements graph.CheckpointSaver.
func (s *Saver) Put(_ context.Context, req graph.PutRequest) error {
	cp := req.Checkpoint
	if cp == nil || cp.ID == "" {
		return errors.New("checkpoint and checkpoint id are required")
	}
	if cp.ThreadID == "" {
		return graph.ErrThreadIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[cp.ThreadID]
	if !ok {
		t = &thread{
			checkpoints: make(map[string]*graph.Checkpoint),
			writes:      make(map[string][]graph.Write),
		}
	}
	if t.head != req.ExpectedHead {
		return fmt.Errorf("%w: expected head %q, found %q", graph.ErrCheckpointConflict, req.ExpectedHead, t.head)
	}
	if _, exists := t.checkpoints[cp.ID]; exists {
		return fmt.Errorf("%w: checkpoint %s already exists", graph.ErrCheckpointConflict, cp.ID)
	}
	s.threads[cp.ThreadID] = t
	t.checkpoints[cp.ID] = cp.Copy()
	t.order = append(t.order, cp.ID)
	t.head = cp.ID
	if len(req.Writes) > 0 {
		t.writes[cp.ID] = append(t.writes[cp.ID], req.Writes...)
	}
	s.evict(t)
	return nil
}

func (s *Saver) evict(t *thread) {
	if s.maxCheckpointsPerThread <= 0 {
		return
	}
	for len(t.order) > s.maxCheckpointsPerThread {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.checkpoints, oldest)
		delete(t.writes, oldest)
	}
}

// List implements graph.CheckpointSaver.
func (s *Saver) List(_ context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	var out []*graph.Checkpoint
	for i := len(t.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, t.checkpoints[t.order[i]].Copy())
	}
	return out, nil
}

// Writes implements graph.CheckpointSaver.
func (s *Saver) Writes(_ context.Context, threadID, checkpointID string) ([]graph.Write, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	return append([]graph.Write(nil), t.writes[checkpointID]...), nil
}

// DeleteThread implements graph.CheckpointSaver.
func (s *Saver) DeleteThread(_ context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
