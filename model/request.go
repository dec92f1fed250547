//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package model

import "trpc.group/trpc-go/trpc-dbagent-go/tool"

// Role identifies who authored a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) String() string { return string(r) }

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant || r == RoleTool
}

// Message is one turn of a conversation. Tool results carry ToolID and
// ToolName; assistant turns may carry ToolCalls.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolID    string     `json:"tool_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// NewSystemMessage returns a system turn.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage returns a user turn.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage returns an assistant turn without tool calls.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage returns the result of invocation toolID.
func NewToolMessage(toolID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolID: toolID, ToolName: toolName}
}

// GenerationConfig holds sampling parameters. Nil pointers leave the
// provider default in place.
type GenerationConfig struct {
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stream      bool     `json:"stream"`
	Stop        []string `json:"stop,omitempty"`
}

// Request is a single model call.
type Request struct {
	Messages         []Message `json:"messages"`
	GenerationConfig `json:",inline"`
	// Tools offered to the model, keyed by name.
	Tools map[string]tool.Tool `json:"-"`
}

// ToolCall is a tool invocation requested by the model. While streaming,
// fragments of the same call share Index; ID may only appear on the first
// fragment.
type ToolCall struct {
	Type     string                  `json:"type"`
	Function FunctionDefinitionParam `json:"function,omitempty"`
	ID       string                  `json:"id,omitempty"`
	Index    *int                    `json:"index,omitempty"`
}

// FunctionDefinitionParam is the called function. Arguments hold raw JSON,
// possibly a partial fragment in streaming deltas.
type FunctionDefinitionParam struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Arguments   []byte `json:"arguments,omitempty"`
}
