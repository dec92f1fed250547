//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/savertest"
)

func TestSaver(t *testing.T) {
	savertest.Run(t, func(*testing.T) graph.CheckpointSaver { return NewSaver() })
}

func TestSaver_ReturnsCopies(t *testing.T) {
	s := NewSaver()
	cp := graph.NewCheckpoint("t1", "", graph.State{Plan: "a"}, []string{"planning"})
	require.NoError(t, s.Put(context.Background(), graph.PutRequest{Checkpoint: cp}))
	cp.State.Plan = "mutated"

	got, err := s.Get(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "a", got.State.Plan)
	got.NextNodes[0] = "x"

	again, err := s.Get(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"planning"}, again.NextNodes)
}

func TestSaver_Eviction(t *testing.T) {
	s := NewSaver().WithMaxCheckpointsPerThread(2)
	head := ""
	var ids []string
	for i := 0; i < 4; i++ {
		cp := graph.NewCheckpoint("t1", head, graph.State{}, nil)
		require.NoError(t, s.Put(context.Background(), graph.PutRequest{Checkpoint: cp, ExpectedHead: head}))
		head = cp.ID
		ids = append(ids, cp.ID)
	}
	list, err := s.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[3], list[0].ID)
	assert.Equal(t, ids[2], list[1].ID)
}
