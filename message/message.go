//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package message stores the chat messages a client renders: user turns and
// assistant turns made of content blocks.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("message not found")
	// ErrBlockNotFound is returned when a block id is unknown.
	ErrBlockNotFound = errors.New("content block not found")
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType is the kind of a content block.
type BlockType string

const (
	BlockTypeText           BlockType = "text"
	BlockTypeToolCalls      BlockType = "tool_calls"
	BlockTypeExplorer       BlockType = "explorer"
	BlockTypeVisualizations BlockType = "visualizations"
)

// Status is the review state of a content block. The empty value means none.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
	StatusTimeout  Status = "timeout"
)

// ContentBlock is one renderable unit of an assistant message.
type ContentBlock struct {
	ID            string          `json:"id"`
	Type          BlockType       `json:"type"`
	NeedsApproval bool            `json:"needs_approval"`
	MessageStatus Status          `json:"message_status,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Message is a stored chat message.
type Message struct {
	ID            string         `json:"id"`
	ThreadID      string         `json:"thread_id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content,omitempty"`
	Blocks        []ContentBlock `json:"blocks,omitempty"`
	CheckpointID  string         `json:"checkpoint_id,omitempty"`
	NeedsApproval bool           `json:"needs_approval"`
	IsFeedback    bool           `json:"is_feedback,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// AssistantMessage is the input of SaveAssistantMessage.
type AssistantMessage struct {
	ThreadID      string
	MessageID     string
	CheckpointID  string
	NeedsApproval bool
	Blocks        []ContentBlock
}

// BlockUpdate changes the review fields of one block.
type BlockUpdate struct {
	MessageStatus Status
	// NeedsApproval is left unchanged when nil.
	NeedsApproval *bool
}

// Store persists messages.
type Store interface {
	// SaveAssistantMessage creates or replaces the assistant message with
	// MessageID. An empty MessageID gets a generated one.
	SaveAssistantMessage(ctx context.Context, msg AssistantMessage) (*Message, error)
	// SaveUserMessage appends a user message.
	SaveUserMessage(ctx context.Context, threadID, content string, isFeedback bool) (*Message, error)
	// UpdateBlockStatus updates one block of an assistant message.
	UpdateBlockStatus(ctx context.Context, threadID, messageID, blockID string, update BlockUpdate) error
	// GetMessage returns a message or ErrMessageNotFound.
	GetMessage(ctx context.Context, threadID, messageID string) (*Message, error)
	// ListMessages returns the newest limit messages of a thread, oldest
	// first. limit <= 0 returns all.
	ListMessages(ctx context.Context, threadID string, limit int) ([]*Message, error)
}

// ApplyBlockUpdate updates the block with blockID in blocks.
func ApplyBlockUpdate(blocks []ContentBlock, blockID string, update BlockUpdate) error {
	for i := range blocks {
		if blocks[i].ID != blockID {
			continue
		}
		blocks[i].MessageStatus = update.MessageStatus
		if update.NeedsApproval != nil {
			blocks[i].NeedsApproval = *update.NeedsApproval
		}
		return nil
	}
	return ErrBlockNotFound
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Blocks = make([]ContentBlock, len(m.Blocks))
	for i, b := range m.Blocks {
		b.Data = append(json.RawMessage(nil), b.Data...)
		c.Blocks[i] = b
	}
	return &c
}
