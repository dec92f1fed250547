//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package model

import "time"

// ResponseError.Type values.
const (
	ErrorTypeStreamError = "stream_error"
	ErrorTypeAPIError    = "api_error"
)

// Response.Object values.
const (
	ObjectTypeError               = "error"
	ObjectTypeToolResponse        = "tool.response"
	ObjectTypeChatCompletionChunk = "chat.completion.chunk"
	ObjectTypeChatCompletion      = "chat.completion"
)

// Choice is one candidate of a completion. Streaming chunks fill Delta,
// complete responses fill Message.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message,omitempty"`
	Delta        Message `json:"delta,omitempty"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage counts tokens. Providers usually report it on the last chunk only.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one item on a model response channel, or a tool result
// wrapped in the same shape.
type Response struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	Created   int64          `json:"created"`
	Model     string         `json:"model"`
	Choices   []Choice       `json:"choices"`
	Usage     *Usage         `json:"usage,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// Done marks the last response of a call.
	Done bool `json:"done"`
	// IsPartial marks a streaming delta.
	IsPartial bool `json:"is_partial"`
}

// ResponseError is a provider or transport failure.
type ResponseError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Code    *string `json:"code,omitempty"`
}

// Clone copies rsp. Choices, Usage and Error are not shared with the copy.
func (rsp *Response) Clone() *Response {
	if rsp == nil {
		return nil
	}
	c := *rsp
	c.Choices = append([]Choice(nil), rsp.Choices...)
	if rsp.Usage != nil {
		u := *rsp.Usage
		c.Usage = &u
	}
	if rsp.Error != nil {
		e := *rsp.Error
		c.Error = &e
	}
	return &c
}

// IsToolResultResponse reports whether the first choice is a tool result.
func (rsp *Response) IsToolResultResponse() bool {
	return rsp != nil && len(rsp.Choices) > 0 && rsp.Choices[0].Message.ToolID != ""
}

// IsToolCallResponse reports whether the first choice requests tools.
func (rsp *Response) IsToolCallResponse() bool {
	return rsp != nil && len(rsp.Choices) > 0 && len(rsp.Choices[0].Message.ToolCalls) > 0
}

// GetToolCallIDs lists the invocation ids requested across all choices.
func (rsp *Response) GetToolCallIDs() []string {
	var ids []string
	if rsp == nil {
		return ids
	}
	for _, choice := range rsp.Choices {
		for _, tc := range choice.Message.ToolCalls {
			ids = append(ids, tc.ID)
		}
	}
	return ids
}
