//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
)

// reviewGraph drafts, pauses for review, then works once.
func reviewGraph(t *testing.T, work graph.NodeFunc) *graph.Graph {
	t.Helper()
	draft := func(_ context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
		return &graph.Command{Update: graph.Delta{Plan: graph.Ptr("plan for " + ec.State.Query)}}, nil
	}
	review := func(_ context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
		switch ec.Decision.Action {
		case graph.StatusApproved:
			return &graph.Command{Update: graph.Delta{Status: graph.Ptr(graph.StatusApproved)}, GoTo: "work"}, nil
		case graph.StatusFeedback:
			return &graph.Command{Update: graph.Delta{HumanComment: graph.Ptr(ec.Decision.Comment)}, GoTo: "draft"}, nil
		}
		return &graph.Command{Update: graph.Delta{Status: graph.Ptr(graph.StatusCancelled)}, GoTo: graph.End}, nil
	}
	if work == nil {
		work = func(_ context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
			n := ec.State.StepCounter + 1
			return &graph.Command{Update: graph.Delta{
				StepCounter: graph.Ptr(n),
				Steps:       []step.Step{{ID: n, Type: "run_query", Output: "ok"}},
				Answer:      graph.Ptr("done"),
			}}, nil
		}
	}
	return graph.NewStateGraph().
		AddNode("draft", draft).
		AddNode("review", review, graph.WithInterrupt()).
		AddNode("work", work).
		SetEntryPoint("draft").
		AddEdge("draft", "review").
		SetFinishPoint("work").
		MustCompile()
}

func newExecutor(t *testing.T, g *graph.Graph, saver graph.CheckpointSaver, opts ...graph.ExecutorOption) *graph.Executor {
	t.Helper()
	if saver == nil {
		saver = inmemory.NewSaver()
	}
	e, err := graph.NewExecutor(g, saver, opts...)
	require.NoError(t, err)
	return e
}

func TestNewExecutor_Validation(t *testing.T) {
	_, err := graph.NewExecutor(nil, inmemory.NewSaver())
	assert.Error(t, err)
	_, err = graph.NewExecutor(reviewGraph(t, nil), nil)
	assert.Error(t, err)
}

func TestExecutor_StartPausesAtInterrupt(t *testing.T) {
	e := newExecutor(t, reviewGraph(t, nil), nil)
	ctx := context.Background()

	ch, err := e.ExecuteStart(ctx, "t1", graph.StartRequest{Query: "q", UsePlanning: true}, graph.WithRunID("run-1"))
	require.NoError(t, err)
	var objects []string
	var last *event.Event
	for evt := range ch {
		assert.Equal(t, "run-1", evt.InvocationID)
		assert.Equal(t, "t1", evt.ThreadID)
		objects = append(objects, evt.Object)
		last = evt
	}
	assert.Equal(t, []string{
		event.ObjectTypeNodeStart, event.ObjectTypeNodeComplete, event.ObjectTypeInterrupt,
	}, objects)
	require.NotNil(t, last.Final)
	assert.Equal(t, event.StatusAwaitingApproval, last.Final.Status)
	assert.Equal(t, "plan for q", last.Final.Plan)
	assert.Equal(t, []string{"review"}, last.Final.NextNodes)

	snap, err := e.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusAwaitingApproval, snap.Status)
	assert.Equal(t, last.Final.CheckpointID, snap.CheckpointID)

	cp, err := e.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cp.State.Messages, 1)
	assert.Equal(t, model.RoleUser, cp.State.Messages[0].Role)
}

func TestExecutor_ResumeApproved(t *testing.T) {
	saver := inmemory.NewSaver()
	e := newExecutor(t, reviewGraph(t, nil), saver)
	ctx := context.Background()

	started, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	res, err := e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved, CheckpointID: started.CheckpointID})
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, res.Status)
	assert.Equal(t, "done", res.Answer)
	require.Len(t, res.Steps, 1)
	assert.Empty(t, res.NextNodes)
	assert.False(t, res.NeedsApproval)

	history, err := e.History(ctx, "t1", 0)
	require.NoError(t, err)
	// input, draft, review, work
	require.Len(t, history, 4)
	assert.Equal(t, res.CheckpointID, history[0].ID)
	assert.Equal(t, "work", history[0].NodeID)
	assert.Equal(t, history[1].ID, history[0].ParentID)

	writes, err := saver.Writes(ctx, "t1", history[0].ID)
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, "work", writes[0].NodeID)
	assert.Contains(t, string(writes[0].Delta), `"answer":"done"`)

	_, err = e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	assert.ErrorIs(t, err, graph.ErrNotAwaitingApproval)
}

func TestExecutor_ReplayedResumeKeepsSteps(t *testing.T) {
	e := newExecutor(t, reviewGraph(t, nil), nil)
	ctx := context.Background()

	started, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	d := graph.Decision{Action: graph.StatusApproved, CheckpointID: started.CheckpointID}
	res, err := e.Resume(ctx, "t1", d)
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)

	_, err = e.Resume(ctx, "t1", d)
	assert.ErrorIs(t, err, graph.ErrCheckpointConflict)

	latest, err := e.LatestResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, res.CheckpointID, latest.CheckpointID)
	assert.Equal(t, res.Steps, latest.Steps)
	history, err := e.History(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestExecutor_RepeatedStepIDIsMerged(t *testing.T) {
	var runs int32
	work := func(_ context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
		atomic.AddInt32(&runs, 1)
		return &graph.Command{Update: graph.Delta{
			StepCounter: graph.Ptr(1),
			Steps:       []step.Step{{ID: 1, Type: "run_query", Output: "ok"}},
			Answer:      graph.Ptr("done"),
		}}, nil
	}
	g := graph.NewStateGraph().
		AddNode("work", work).
		AddNode("again", work).
		SetEntryPoint("work").
		AddEdge("work", "again").
		SetFinishPoint("again").
		MustCompile()
	e := newExecutor(t, g, nil)

	res, err := e.Start(context.Background(), "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
	require.Len(t, res.Steps, 1)
	assert.Equal(t, 1, res.Steps[0].ID)
}

func TestExecutor_ResumeFeedbackLoops(t *testing.T) {
	e := newExecutor(t, reviewGraph(t, nil), nil)
	ctx := context.Background()
	_, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)

	res, err := e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback, Comment: "more"})
	require.NoError(t, err)
	assert.Equal(t, event.StatusAwaitingApproval, res.Status)

	cp, err := e.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "more", cp.State.HumanComment)
}

func TestExecutor_ResumeCancelled(t *testing.T) {
	e := newExecutor(t, reviewGraph(t, nil), nil)
	ctx := context.Background()
	_, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	res, err := e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, event.StatusCancelled, res.Status)
	assert.Empty(t, res.Steps)
}

func TestExecutor_ResumeErrors(t *testing.T) {
	e := newExecutor(t, reviewGraph(t, nil), nil)
	ctx := context.Background()

	_, err := e.Resume(ctx, "missing", graph.Decision{Action: graph.StatusApproved})
	assert.ErrorIs(t, err, graph.ErrThreadNotFound)
	_, err = e.Resume(ctx, "", graph.Decision{Action: graph.StatusApproved})
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)
	_, err = e.Resume(ctx, "t1", graph.Decision{Action: "later"})
	assert.ErrorIs(t, err, graph.ErrInvalidDecision)
	_, err = e.State(ctx, "missing")
	assert.ErrorIs(t, err, graph.ErrThreadNotFound)
	_, err = e.History(ctx, "missing", 0)
	assert.ErrorIs(t, err, graph.ErrThreadNotFound)

	first, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	_, err = e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback, Comment: "x"})
	require.NoError(t, err)

	_, err = e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved, CheckpointID: first.CheckpointID})
	assert.ErrorIs(t, err, graph.ErrCheckpointConflict)
	_, err = e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved, CheckpointID: "nope"})
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestExecutor_NodeErrorIsResumable(t *testing.T) {
	var attempts int32
	work := func(_ context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, &graph.ModelInvocationError{Node: ec.NodeID, Cause: errors.New("503")}
		}
		return &graph.Command{Update: graph.Delta{Answer: graph.Ptr("ok")}}, nil
	}
	e := newExecutor(t, reviewGraph(t, work), nil)
	ctx := context.Background()
	_, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)

	ch, err := e.ExecuteResume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	require.NoError(t, err)
	var last *event.Event
	for evt := range ch {
		last = evt
	}
	require.NotNil(t, last)
	assert.Equal(t, model.ObjectTypeError, last.Object)
	assert.Equal(t, graph.ErrorTypeModelInvocation, last.Error.Type)
	require.NotNil(t, last.Final)
	assert.Equal(t, event.StatusError, last.Final.Status)

	snap, err := e.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusError, snap.Status)
	assert.Equal(t, []string{"work"}, snap.NextNodes)
	assert.Contains(t, snap.Error, "503")

	res, err := e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, res.Status)
	assert.Equal(t, "ok", res.Answer)
	assert.Empty(t, res.Error)
}

func TestExecutor_CancelAfterError(t *testing.T) {
	work := func(context.Context, *graph.ExecutionContext) (*graph.Command, error) {
		return nil, errors.New("boom")
	}
	e := newExecutor(t, reviewGraph(t, work), nil)
	ctx := context.Background()
	_, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	_, err = e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	require.Error(t, err)

	res, err := e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, event.StatusCancelled, res.Status)
	assert.Empty(t, res.NextNodes)

	_, err = e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback})
	assert.ErrorIs(t, err, graph.ErrNotAwaitingApproval)
}

// failingSaver fails every Put after the first n.
type failingSaver struct {
	graph.CheckpointSaver
	remaining int32
}

func (s *failingSaver) Put(ctx context.Context, req graph.PutRequest) error {
	if atomic.AddInt32(&s.remaining, -1) < 0 {
		return errors.New("disk full")
	}
	return s.CheckpointSaver.Put(ctx, req)
}

func TestExecutor_CheckpointWriteFailure(t *testing.T) {
	saver := &failingSaver{CheckpointSaver: inmemory.NewSaver(), remaining: 1}
	e := newExecutor(t, reviewGraph(t, nil), saver)
	ctx := context.Background()

	_, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	var cwe *graph.CheckpointWriteError
	require.ErrorAs(t, err, &cwe)
	assert.Equal(t, "draft", cwe.Node)

	cp, err := e.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft"}, cp.NextNodes)
	assert.Empty(t, cp.State.Plan)

	e2 := newExecutor(t, reviewGraph(t, nil), &failingSaver{CheckpointSaver: inmemory.NewSaver()})
	_, err = e2.Start(ctx, "t2", graph.StartRequest{Query: "q"})
	require.ErrorAs(t, err, &cwe)
	_, err = e2.State(ctx, "t2")
	assert.ErrorIs(t, err, graph.ErrThreadNotFound)
}

func TestExecutor_MaxSteps(t *testing.T) {
	spin := func(context.Context, *graph.ExecutionContext) (*graph.Command, error) {
		return &graph.Command{GoTo: "spin"}, nil
	}
	g := graph.NewStateGraph().AddNode("spin", spin).SetEntryPoint("spin").MustCompile()
	e := newExecutor(t, g, nil, graph.WithMaxSteps(3))
	_, err := e.Start(context.Background(), "t1", graph.StartRequest{Query: "q"})
	assert.ErrorIs(t, err, graph.ErrMaxStepsExceeded)

	snap, err := e.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusError, snap.Status)
}

func TestExecutor_BusyThread(t *testing.T) {
	gate := make(chan struct{})
	work := func(ctx context.Context, _ *graph.ExecutionContext) (*graph.Command, error) {
		<-gate
		return &graph.Command{}, nil
	}
	g := graph.NewStateGraph().AddNode("work", work).SetEntryPoint("work").MustCompile()
	e := newExecutor(t, g, nil)
	ctx := context.Background()

	ch, err := e.ExecuteStart(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	_, err = e.Start(ctx, "t1", graph.StartRequest{Query: "q2"})
	assert.ErrorIs(t, err, graph.ErrThreadBusy)
	snap, err := e.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusRunning, snap.Status)

	other, err := e.ExecuteStart(ctx, "t2", graph.StartRequest{Query: "other"})
	require.NoError(t, err)
	close(gate)
	for range ch {
	}
	for range other {
	}
	_, err = e.Start(ctx, "t1", graph.StartRequest{Query: "q3"})
	assert.NoError(t, err)
}

func TestExecutor_ContextCancelled(t *testing.T) {
	e := newExecutor(t, reviewGraph(t, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	cancel()
	_, err = e.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_EmitFromNode(t *testing.T) {
	work := func(ctx context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
		if err := ec.Emit(ctx, event.New("", "")); err != nil {
			return nil, err
		}
		return &graph.Command{}, nil
	}
	g := graph.NewStateGraph().AddNode("work", work).SetEntryPoint("work").MustCompile()
	e := newExecutor(t, g, nil)
	ch, err := e.ExecuteStart(context.Background(), "t1", graph.StartRequest{Query: "q"}, graph.WithRunID("r"))
	require.NoError(t, err)
	var authors []string
	for evt := range ch {
		authors = append(authors, evt.Author)
		assert.Equal(t, "r", evt.InvocationID)
	}
	assert.Equal(t, []string{"work", "work", "work", graph.AuthorGraphExecutor}, authors)
}
