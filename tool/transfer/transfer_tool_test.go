//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package transfer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferTool(t *testing.T) {
	tl := New([]AgentInfo{{Name: "sql", Description: "SQL analyst"}, {Name: "viz", Description: "Charts"}})
	decl := tl.Declaration()
	assert.Equal(t, TransferToolName, decl.Name)
	assert.Equal(t, []any{"sql", "viz"}, decl.InputSchema.Properties[FieldAgentName].Enum)
	assert.True(t, IsTransfer(decl.Name))

	out, err := tl.Call(context.Background(), []byte(`{"agent_name":"viz"}`))
	require.NoError(t, err)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	rsp, ok := ParseResponse(string(raw))
	require.True(t, ok)
	assert.Equal(t, "viz", rsp.TargetAgent)

	out, err = tl.Call(context.Background(), []byte(`{"agent_name":"nope"}`))
	require.NoError(t, err)
	assert.False(t, out.(Response).Success)

	out, err = tl.Call(context.Background(), []byte(`{bad`))
	require.NoError(t, err)
	assert.False(t, out.(Response).Success)

	_, ok = ParseResponse("not json")
	assert.False(t, ok)
}
