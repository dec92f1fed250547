//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package tool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/tool"
)

type stubTool struct {
	decl *tool.Declaration
}

func (s *stubTool) Declaration() *tool.Declaration { return s.decl }
func (s *stubTool) Call(context.Context, []byte) (any, error) {
	return "ok", nil
}

func newStub(name, desc string, schema *tool.Schema) *stubTool {
	return &stubTool{decl: &tool.Declaration{Name: name, Description: desc, InputSchema: schema}}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r, err := tool.NewRegistry(
		newStub("list_tables", "List tables", nil),
		newStub("describe_table", "Describe a table", &tool.Schema{
			Type:       "object",
			Properties: map[string]*tool.Schema{"table": {Type: "string"}},
			Required:   []string{"table"},
		}),
	)
	require.NoError(t, err)

	_, ok := r.Lookup("list_tables")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"describe_table", "list_tables"}, r.Names())
	assert.Len(t, r.Tools(), 2)
	assert.Equal(t, []tool.ManifestEntry{
		{Name: "describe_table", Description: "Describe a table"},
		{Name: "list_tables", Description: "List tables"},
	}, r.Manifest())
	assert.Equal(t, "- describe_table: Describe a table\n- list_tables: List tables", r.ManifestText())

	err = r.Register(newStub("list_tables", "again", nil))
	require.ErrorIs(t, err, tool.ErrDuplicateTool)

	err = r.Register(newStub("", "nameless", nil))
	require.Error(t, err)
}

func TestRegistry_Validate(t *testing.T) {
	r, err := tool.NewRegistry(newStub("describe_table", "d", &tool.Schema{
		Type:       "object",
		Properties: map[string]*tool.Schema{"table": {Type: "string"}},
		Required:   []string{"table"},
	}), newStub("free", "f", nil))
	require.NoError(t, err)

	require.NoError(t, r.Validate("describe_table", []byte(`{"table":"users"}`)))
	require.NoError(t, r.Validate("free", nil))

	err = r.Validate("describe_table", []byte(`{}`))
	var verr *tool.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "describe_table", verr.Tool)

	err = r.Validate("describe_table", []byte(`{"table":1}`))
	require.ErrorAs(t, err, &verr)

	err = r.Validate("free", []byte(`{not json`))
	require.ErrorAs(t, err, &verr)

	require.ErrorIs(t, r.Validate("missing", nil), tool.ErrToolNotFound)
}

func TestRegistry_InvalidSchema(t *testing.T) {
	_, err := tool.NewRegistry(newStub("bad", "b", &tool.Schema{Type: "not-a-type"}))
	require.Error(t, err)
}
