//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory keeps messages in process memory.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-dbagent-go/message"
)

var _ message.Store = (*Store)(nil)

// Store is a map-backed message.Store.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]*message.Message
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{threads: make(map[string][]*message.Message)}
}

func (s *Store) find(threadID, messageID string) *message.Message {
	for _, m := range s.threads[threadID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// SaveAssistantMessage implements message.Store.
func (s *Store) SaveAssistantMessage(_ context.Context, in message.AssistantMessage) (*message.Message, error) {
	now := time.Now()
	id := in.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(in.ThreadID, id)
	if m == nil {
		m = &message.Message{ID: id, ThreadID: in.ThreadID, Role: message.RoleAssistant, CreatedAt: now}
		s.threads[in.ThreadID] = append(s.threads[in.ThreadID], m)
	}
	m.CheckpointID = in.CheckpointID
	m.NeedsApproval = in.NeedsApproval
	m.Blocks = (&message.Message{Blocks: in.Blocks}).Clone().Blocks
	m.UpdatedAt = now
	return m.Clone(), nil
}

// SaveUserMessage implements message.Store.
func (s *Store) SaveUserMessage(_ context.Context, threadID, content string, isFeedback bool) (*message.Message, error) {
	now := time.Now()
	m := &message.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Role:       message.RoleUser,
		Content:    content,
		IsFeedback: isFeedback,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], m)
	return m.Clone(), nil
}

// UpdateBlockStatus implements message.Store.
func (s *Store) UpdateBlockStatus(_ context.Context, threadID, messageID, blockID string, update message.BlockUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(threadID, messageID)
	if m == nil {
		return message.ErrMessageNotFound
	}
	if err := message.ApplyBlockUpdate(m.Blocks, blockID, update); err != nil {
		return err
	}
	m.UpdatedAt = time.Now()
	return nil
}

// GetMessage implements message.Store.
func (s *Store) GetMessage(_ context.Context, threadID, messageID string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.find(threadID, messageID)
	if m == nil {
		return nil, message.ErrMessageNotFound
	}
	return m.Clone(), nil
}

// ListMessages implements message.Store.
func (s *Store) ListMessages(_ context.Context, threadID string, limit int) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.threads[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out, nil
}
