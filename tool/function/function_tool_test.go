//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package function

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queryInput struct {
	SQL     string  `json:"sql" jsonschema:"description=Read-only SQL"`
	Limit   int     `json:"limit,omitempty"`
	Schema  *string `json:"schema"`
	Tags    []string
	private int
	Skip    string `json:"-"`
}

func TestNewFunctionTool_Schema(t *testing.T) {
	ft := NewFunctionTool(func(_ context.Context, in queryInput) (string, error) {
		return in.SQL, nil
	}, WithName("run_query"), WithDescription("runs sql"))

	decl := ft.Declaration()
	assert.Equal(t, "run_query", decl.Name)
	assert.Equal(t, "runs sql", decl.Description)
	s := decl.InputSchema
	require.NotNil(t, s)
	assert.Equal(t, "object", s.Type)
	assert.ElementsMatch(t, []string{"sql", "Tags"}, s.Required)
	assert.Equal(t, "Read-only SQL", s.Properties["sql"].Description)
	assert.Equal(t, "integer", s.Properties["limit"].Type)
	assert.Equal(t, "string", s.Properties["schema"].Type)
	assert.Equal(t, "array", s.Properties["Tags"].Type)
	assert.Equal(t, "string", s.Properties["Tags"].Items.Type)
	assert.NotContains(t, s.Properties, "Skip")
	assert.NotContains(t, s.Properties, "private")
}

func TestFunctionTool_Call(t *testing.T) {
	ft := NewFunctionTool(func(_ context.Context, in queryInput) (int, error) {
		if in.SQL == "" {
			return 0, errors.New("empty sql")
		}
		return in.Limit, nil
	}, WithName("q"))

	out, err := ft.Call(context.Background(), []byte(`{"sql":"select 1","limit":3}`))
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	_, err = ft.Call(context.Background(), nil)
	require.EqualError(t, err, "empty sql")

	_, err = ft.Call(context.Background(), []byte(`{bad`))
	require.Error(t, err)
}
