//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package savertest holds the behaviour every graph.CheckpointSaver must
// share.
package savertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
)

// Run exercises a saver created by newSaver.
func Run(t *testing.T, newSaver func(t *testing.T) graph.CheckpointSaver) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newSaver(t)) })
	t.Run("PutGetRoundTrip", func(t *testing.T) { testRoundTrip(t, newSaver(t)) })
	t.Run("CompareAndSet", func(t *testing.T) { testCompareAndSet(t, newSaver(t)) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, newSaver(t)) })
	t.Run("ListAndWrites", func(t *testing.T) { testListAndWrites(t, newSaver(t)) })
	t.Run("DeleteThread", func(t *testing.T) { testDeleteThread(t, newSaver(t)) })
}

func sampleState(threadID string) graph.State {
	return graph.State{
		ThreadID:    threadID,
		Query:       "Show 3 rows from table X",
		Plan:        "1. run_query",
		Messages:    []model.Message{model.NewUserMessage("Show 3 rows from table X")},
		Steps:       []step.Step{{ID: 1, Type: "run_query", Input: `{"sql":"select 1"}`, Output: "1"}},
		StepCounter: 1,
		Status:      graph.StatusApproved,
		UsePlanning: true,
	}
}

func put(t *testing.T, s graph.CheckpointSaver, threadID, head string, next ...string) *graph.Checkpoint {
	t.Helper()
	cp := graph.NewCheckpoint(threadID, head, sampleState(threadID), next)
	cp.Source = graph.CheckpointSourceLoop
	cp.NodeID = "acting"
	require.NoError(t, s.Put(context.Background(), graph.PutRequest{
		Checkpoint:   cp,
		ExpectedHead: head,
		Writes: []graph.Write{{
			CheckpointID: cp.ID, NodeID: "acting", Delta: json.RawMessage(`{"plan":"p"}`), Seq: 1, CreatedAt: cp.CreatedAt,
		}},
	}))
	return cp
}

func testGetMissing(t *testing.T, s graph.CheckpointSaver) {
	cp, err := s.Get(context.Background(), "missing", "")
	require.NoError(t, err)
	assert.Nil(t, cp)
	cp, err = s.Get(context.Background(), "missing", "nope")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func testRoundTrip(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	first := put(t, s, "t1", "", "planning")
	second := put(t, s, "t1", first.ID, "awaiting_approval")

	head, err := s.Get(ctx, "t1", "")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, second.ID, head.ID)
	assert.Equal(t, first.ID, head.ParentID)
	assert.Equal(t, []string{"awaiting_approval"}, head.NextNodes)
	assert.Equal(t, "acting", head.NodeID)
	assert.Equal(t, second.State.Query, head.State.Query)
	assert.Equal(t, second.State.Plan, head.State.Plan)
	assert.Equal(t, second.State.Status, head.State.Status)
	require.Len(t, head.State.Steps, 1)
	assert.Equal(t, "run_query", head.State.Steps[0].Type)
	assert.JSONEq(t, `{"sql":"select 1"}`, head.State.Steps[0].Input)
	require.Len(t, head.State.Messages, 1)
	assert.Equal(t, model.RoleUser, head.State.Messages[0].Role)

	byID, err := s.Get(ctx, "t1", first.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, []string{"planning"}, byID.NextNodes)
}

func testCompareAndSet(t *testing.T, s graph.CheckpointSaver) {
	first := put(t, s, "t1", "", "planning")

	stale := graph.NewCheckpoint("t1", "", sampleState("t1"), nil)
	err := s.Put(context.Background(), graph.PutRequest{Checkpoint: stale, ExpectedHead: ""})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrCheckpointConflict), err)

	second := put(t, s, "t1", first.ID)
	wrong := graph.NewCheckpoint("t1", first.ID, sampleState("t1"), nil)
	err = s.Put(context.Background(), graph.PutRequest{Checkpoint: wrong, ExpectedHead: first.ID})
	assert.True(t, errors.Is(err, graph.ErrCheckpointConflict), err)

	head, err := s.Get(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, head.ID)
}

func testConcurrentPut(t *testing.T, s graph.CheckpointSaver) {
	first := put(t, s, "t1", "", "acting")
	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		conflict int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := graph.NewCheckpoint("t1", first.ID, sampleState("t1"), nil)
			err := s.Put(context.Background(), graph.PutRequest{Checkpoint: cp, ExpectedHead: first.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, graph.ErrCheckpointConflict):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, writers-1, conflict)
}

func testListAndWrites(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	a := put(t, s, "t1", "", "planning")
	b := put(t, s, "t1", a.ID, "awaiting_approval")
	c := put(t, s, "t1", b.ID)
	put(t, s, "t2", "", "planning")

	all, err := s.List(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := s.List(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, c.ID, limited[0].ID)

	writes, err := s.Writes(ctx, "t1", b.ID)
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, "acting", writes[0].NodeID)
	assert.Equal(t, b.ID, writes[0].CheckpointID)
	assert.JSONEq(t, `{"plan":"p"}`, string(writes[0].Delta))

	none, err := s.List(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDeleteThread(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	a := put(t, s, "t1", "", "planning")
	put(t, s, "t2", "", "planning")
	require.NoError(t, s.DeleteThread(ctx, "t1"))

	cp, err := s.Get(ctx, "t1", "")
	require.NoError(t, err)
	assert.Nil(t, cp)
	writes, err := s.Writes(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Empty(t, writes)

	other, err := s.Get(ctx, "t2", "")
	require.NoError(t, err)
	assert.NotNil(t, other)

	put(t, s, "t1", "", "planning")
}
