//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
)

func TestNew(t *testing.T) {
	e := New("run-1", "acting", WithStage(StageActing), WithThreadID("t1"), WithObject(ObjectTypeNodeStart))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "run-1", e.InvocationID)
	assert.Equal(t, "acting", e.Author)
	assert.Equal(t, "t1", e.ThreadID)
	assert.Equal(t, StageActing, e.Stage)
	assert.Equal(t, ObjectTypeNodeStart, e.Object)
	assert.False(t, e.IsTerminal())
}

func TestNewToolResultEvent(t *testing.T) {
	res := step.Result{InvocationID: "call_1", ToolName: "run_query", Output: "ok"}
	e := NewToolResultEvent("run-1", "dispatching_tools", res)
	assert.True(t, e.IsToolResultResponse())
	require.NotNil(t, e.ToolResult)
	assert.Equal(t, res, *e.ToolResult)
	assert.Equal(t, "call_1", e.Choices[0].Message.ToolID)
}

func TestTerminalEvents(t *testing.T) {
	errEvt := NewErrorEvent("run-1", "acting", model.ErrorTypeAPIError, "boom")
	assert.True(t, errEvt.IsTerminal())
	assert.Equal(t, "boom", errEvt.Error.Message)

	final := &Final{ThreadID: "t1", Status: StatusAwaitingApproval, NeedsApproval: true}
	interrupt := NewFinalEvent("run-1", "planning", ObjectTypeInterrupt, final)
	assert.True(t, interrupt.IsTerminal())
	assert.Same(t, final, interrupt.Final)

	assert.False(t, (*Event)(nil).IsTerminal())
}

func TestClone(t *testing.T) {
	e := NewToolResultEvent("run-1", "x", step.Result{InvocationID: "a", Output: "1"})
	e.Steps = []step.Step{{ID: 1}}
	e.Final = &Final{Status: StatusDone}
	c := e.Clone()
	c.ToolResult.Output = "2"
	c.Steps[0].ID = 9
	c.Final.Status = StatusError
	c.Choices[0].Message.Content = "changed"
	assert.Equal(t, "1", e.ToolResult.Output)
	assert.Equal(t, 1, e.Steps[0].ID)
	assert.Equal(t, StatusDone, e.Final.Status)
	assert.Equal(t, "1", e.Choices[0].Message.Content)
	assert.Nil(t, (*Event)(nil).Clone())
}
