//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(responses ...*Response) <-chan *Response {
	ch := make(chan *Response, len(responses))
	for _, r := range responses {
		ch <- r
	}
	close(ch)
	return ch
}

func TestCollect_FinalResponse(t *testing.T) {
	var chunks []string
	msg, err := Collect(context.Background(), feed(
		&Response{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "hel"}}}},
		&Response{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "lo"}}}},
		&Response{Done: true, Choices: []Choice{{Message: NewAssistantMessage("hello")}}},
	), func(rsp *Response) {
		chunks = append(chunks, rsp.Choices[0].Delta.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, []string{"hel", "lo"}, chunks)
}

func TestCollect_OnlyChunks(t *testing.T) {
	msg, err := Collect(context.Background(), feed(
		&Response{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "a"}}}},
		&Response{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "b"}}}},
	), nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", msg.Content)
}

func TestCollect_Errors(t *testing.T) {
	_, err := Collect(context.Background(), feed(
		&Response{Error: &ResponseError{Message: "rate limited", Type: ErrorTypeAPIError}},
	), nil)
	require.EqualError(t, err, "rate limited")

	_, err = Collect(context.Background(), feed(), nil)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Collect(ctx, make(chan *Response), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRole_IsValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		assert.True(t, r.IsValid(), r.String())
	}
	assert.False(t, Role("robot").IsValid())
}

func TestNewToolMessage(t *testing.T) {
	msg := NewToolMessage("call_1", "run_query", "ok")
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, "call_1", msg.ToolID)
	assert.Equal(t, "run_query", msg.ToolName)
}

func TestResponse_Clone(t *testing.T) {
	code := "429"
	rsp := &Response{
		ID:      "r1",
		Choices: []Choice{{Message: NewAssistantMessage("x")}},
		Usage:   &Usage{TotalTokens: 3},
		Error:   &ResponseError{Message: "m", Code: &code},
	}
	clone := rsp.Clone()
	clone.Choices[0].Message.Content = "y"
	clone.Usage.TotalTokens = 9
	clone.Error.Message = "changed"
	assert.Equal(t, "x", rsp.Choices[0].Message.Content)
	assert.Equal(t, 3, rsp.Usage.TotalTokens)
	assert.Equal(t, "m", rsp.Error.Message)
	assert.Nil(t, (*Response)(nil).Clone())
}

func TestResponse_ToolHelpers(t *testing.T) {
	call := &Response{Choices: []Choice{{Message: Message{ToolCalls: []ToolCall{{ID: "a"}, {ID: "b"}}}}}}
	assert.True(t, call.IsToolCallResponse())
	assert.False(t, call.IsToolResultResponse())
	assert.Equal(t, []string{"a", "b"}, call.GetToolCallIDs())

	result := &Response{Choices: []Choice{{Message: NewToolMessage("a", "t", "out")}}}
	assert.True(t, result.IsToolResultResponse())
	assert.Empty(t, (*Response)(nil).GetToolCallIDs())
}
