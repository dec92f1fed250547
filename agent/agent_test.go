//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
	"trpc.group/trpc-go/trpc-dbagent-go/tool"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/function"
)

type turn struct {
	text      string
	toolCalls []model.ToolCall
	err       error
}

// scriptedModel replays one turn per GenerateContent call.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []turn
	calls    int
	gate     chan struct{}
	requests []*model.Request
}

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.calls >= len(m.turns) {
		return nil, errors.New("unexpected model call")
	}
	t := m.turns[m.calls]
	m.calls++
	if t.err != nil {
		return nil, t.err
	}
	ch := make(chan *model.Response, 2)
	if t.text != "" {
		ch <- &model.Response{
			Object:    model.ObjectTypeChatCompletionChunk,
			IsPartial: true,
			Choices:   []model.Choice{{Delta: model.Message{Role: model.RoleAssistant, Content: t.text}}},
		}
	}
	ch <- &model.Response{
		Object: model.ObjectTypeChatCompletion,
		Done:   true,
		Choices: []model.Choice{{Message: model.Message{
			Role:      model.RoleAssistant,
			Content:   t.text,
			ToolCalls: t.toolCalls,
		}}},
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func call(id, name, args string) model.ToolCall {
	return model.ToolCall{
		Type:     "function",
		ID:       id,
		Function: model.FunctionDefinitionParam{Name: name, Arguments: []byte(args)},
	}
}

type queryInput struct {
	Table string `json:"table"`
	Limit int    `json:"limit,omitempty"`
}

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg, err := tool.NewRegistry(
		function.NewFunctionTool(func(_ context.Context, in queryInput) (string, error) {
			return "rows from " + in.Table, nil
		}, function.WithName("run_query"), function.WithDescription("Runs a read-only query")),
		function.NewFunctionTool(func(context.Context, struct{}) (string, error) {
			return "", errors.New("permission denied")
		}, function.WithName("broken"), function.WithDescription("Always fails")),
	)
	require.NoError(t, err)
	return reg
}

func newAgent(t *testing.T, m model.Model, opts ...Option) *Agent {
	t.Helper()
	a, err := New("dbagent", m, newRegistry(t), opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New("x", nil, newRegistry(t))
	assert.Error(t, err)
	_, err = New("x", &scriptedModel{}, nil)
	assert.Error(t, err)
}

func TestScenarioA_PlanApproveAct(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{text: "1. Query table X for 3 rows"},
		{toolCalls: []model.ToolCall{call("call-1", "run_query", `{"table":"x","limit":3}`)}},
		{text: "Here are 3 rows from x."},
	}}
	a := newAgent(t, m)
	ctx := context.Background()
	exec := a.Executor()

	ch, err := exec.ExecuteStart(ctx, "t1", graph.StartRequest{
		Query:       "Show 3 rows from table X",
		UsePlanning: true,
	})
	require.NoError(t, err)
	var planningChunks int
	var last *event.Event
	for e := range ch {
		if e.Response != nil && e.Stage == event.StagePlanning && e.Response.IsPartial {
			planningChunks++
		}
		last = e
	}
	require.NotNil(t, last)
	assert.Equal(t, event.ObjectTypeInterrupt, last.Object)
	require.NotNil(t, last.Final)
	assert.Equal(t, event.StatusAwaitingApproval, last.Final.Status)
	assert.True(t, last.Final.NeedsApproval)
	assert.Equal(t, "1. Query table X for 3 rows", last.Final.Plan)
	assert.Equal(t, 1, planningChunks)

	snap, err := exec.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{NodeAwaitingApproval}, snap.NextNodes)

	res, err := exec.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, res.Status)
	assert.Equal(t, "Here are 3 rows from x.", res.Answer)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, 1, res.Steps[0].ID)
	assert.Equal(t, "run_query", res.Steps[0].Type)
	assert.Equal(t, "rows from x", res.Steps[0].Output)
	assert.True(t, res.Steps[0].Explained)
	assert.Empty(t, res.NextNodes)

	require.Len(t, m.requests, 3)
	system := m.requests[1].Messages[0]
	assert.Equal(t, model.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "1. Query table X for 3 rows")
	assert.Contains(t, system.Content, "run_query")
	assert.NotNil(t, m.requests[1].Tools["run_query"])

	last3 := m.requests[2].Messages
	assert.Equal(t, model.RoleTool, last3[len(last3)-1].Role)
	assert.Equal(t, "call-1", last3[len(last3)-1].ToolID)
}

func TestScenarioB_FeedbackCancel(t *testing.T) {
	m := &scriptedModel{turns: []turn{{text: "1. Query table X"}}}
	a := newAgent(t, m)
	ctx := context.Background()

	_, err := a.Executor().Start(ctx, "t1", graph.StartRequest{Query: "q", UsePlanning: true})
	require.NoError(t, err)

	res, err := a.Executor().Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback, Comment: "cancel"})
	require.NoError(t, err)
	assert.Equal(t, event.StatusCancelled, res.Status)
	assert.Empty(t, res.Steps)
	assert.Empty(t, res.NextNodes)
	assert.Equal(t, 1, m.callCount())

	cp, err := a.Executor().Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCancelled, cp.State.Status)

	_, err = a.Executor().Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	assert.ErrorIs(t, err, graph.ErrNotAwaitingApproval)
}

func TestScenarioC_OneToolFails(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{toolCalls: []model.ToolCall{
			call("a", "run_query", `{"table":"orders"}`),
			call("b", "broken", `{}`),
		}},
		{text: "Partial answer."},
	}}
	a := newAgent(t, m)

	res, err := a.Executor().Start(context.Background(), "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, res.Status)
	require.Len(t, res.Steps, 2)
	byType := map[string]step.Step{}
	for _, s := range res.Steps {
		assert.Equal(t, 1, s.ID)
		byType[s.Type] = s
	}
	assert.Equal(t, "rows from orders", byType["run_query"].Output)
	assert.True(t, strings.HasPrefix(byType["broken"].Output, "Error:"), byType["broken"].Output)
}

func TestToolEventsInSubmissionOrder(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{toolCalls: []model.ToolCall{
			call("first", "run_query", `{"table":"a"}`),
			call("second", "run_query", `{"table":"b"}`),
		}},
		{text: "done"},
	}}
	a := newAgent(t, m)
	ch, err := a.Executor().ExecuteStart(context.Background(), "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	var ids []string
	var steps []step.Step
	for e := range ch {
		if e.ToolResult != nil {
			ids = append(ids, e.ToolResult.InvocationID)
		}
		if e.Object == event.ObjectTypeSteps {
			steps = e.Steps
		}
	}
	assert.Equal(t, []string{"first", "second"}, ids)
	require.Len(t, steps, 1)
	assert.Equal(t, []string{"first", "second"}, steps[0].InvocationIDs)
}

func TestFeedbackReplanAndAnswer(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{text: "1. old plan"},
		{text: `{"action":"replan","plan":"1. new plan","response":"switched tables"}`},
		{text: `{"action":"answer","response":"it reads the orders table"}`},
	}}
	a := newAgent(t, m)
	ctx := context.Background()
	exec := a.Executor()

	_, err := exec.Start(ctx, "t1", graph.StartRequest{Query: "q", UsePlanning: true})
	require.NoError(t, err)

	res, err := exec.Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback, Comment: "use the other table"})
	require.NoError(t, err)
	assert.Equal(t, event.StatusAwaitingApproval, res.Status)
	assert.Equal(t, "1. new plan", res.Plan)

	res, err = exec.Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback, Comment: "what does it read?"})
	require.NoError(t, err)
	assert.Equal(t, event.StatusAwaitingApproval, res.Status)
	assert.Equal(t, "1. new plan", res.Plan)
	assert.Equal(t, "it reads the orders table", res.Answer)

	cp, err := exec.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.State.PlanRevisions)
	assert.Empty(t, cp.State.HumanComment)
}

func TestMaxPlanRevisionsForcesCancel(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{text: "1. plan"},
		{text: `{"action":"answer","response":"sure"}`},
	}}
	a := newAgent(t, m, WithMaxPlanRevisions(1))
	ctx := context.Background()
	exec := a.Executor()

	_, err := exec.Start(ctx, "t1", graph.StartRequest{Query: "q", UsePlanning: true})
	require.NoError(t, err)
	_, err = exec.Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback, Comment: "why?"})
	require.NoError(t, err)
	res, err := exec.Resume(ctx, "t1", graph.Decision{Action: graph.StatusFeedback, Comment: "and?"})
	require.NoError(t, err)
	assert.Equal(t, event.StatusCancelled, res.Status)
	assert.Equal(t, 2, m.callCount())
}

func TestCancelDecision(t *testing.T) {
	m := &scriptedModel{turns: []turn{{text: "1. plan"}}}
	a := newAgent(t, m)
	ctx := context.Background()
	_, err := a.Executor().Start(ctx, "t1", graph.StartRequest{Query: "q", UsePlanning: true})
	require.NoError(t, err)
	res, err := a.Executor().Resume(ctx, "t1", graph.Decision{Action: graph.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, event.StatusCancelled, res.Status)
}

func TestModelFailureIsResumable(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{toolCalls: []model.ToolCall{call("c1", "run_query", `{"table":"x"}`)}},
		{err: errors.New("upstream 503")},
		{text: "recovered"},
	}}
	a := newAgent(t, m)
	ctx := context.Background()
	exec := a.Executor()

	_, err := exec.Start(ctx, "t1", graph.StartRequest{Query: "q"})
	var mie *graph.ModelInvocationError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, NodeActing, mie.Node)

	snap, err := exec.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusError, snap.Status)
	assert.Equal(t, []string{NodeActing}, snap.NextNodes)
	assert.Equal(t, 1, snap.StepCount)

	res, err := exec.Resume(ctx, "t1", graph.Decision{Action: graph.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, res.Status)
	assert.Equal(t, "recovered", res.Answer)
	require.Len(t, res.Steps, 1)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	m := &scriptedModel{gate: make(chan struct{}), turns: []turn{{text: "answer"}}}
	a := newAgent(t, m)
	ctx := context.Background()

	ch, err := a.Executor().ExecuteStart(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	_, err = a.Executor().Start(ctx, "t1", graph.StartRequest{Query: "again"})
	assert.ErrorIs(t, err, graph.ErrThreadBusy)

	close(m.gate)
	for range ch {
	}
	res, err := a.Executor().LatestResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, res.Status)
}

func TestTransferSwitchesAgentType(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{toolCalls: []model.ToolCall{call("t", "transfer_to_agent", `{"agent_name":"analyst"}`)}},
		{text: "analysis"},
	}}
	a := newAgent(t, m, WithAgentTypes(AgentType{
		Name:        "analyst",
		Description: "Explains trends",
		Instruction: "Focus on trends.",
	}))
	ctx := context.Background()
	_, err := a.Executor().Start(ctx, "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)

	cp, err := a.Executor().Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "analyst", cp.State.AgentType)
	assert.Contains(t, m.requests[1].Messages[0].Content, "Focus on trends.")
}

type stubExplainer struct{}

func (stubExplainer) Explain(_ context.Context, req step.ExplainRequest) (step.Explanation, error) {
	return step.Explanation{Decision: "ran " + req.Step.Type, Confidence: 0.9}, nil
}

func TestExplainerUsedForTailGroup(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{toolCalls: []model.ToolCall{call("c1", "run_query", `{"table":"x"}`)}},
		{text: "done"},
	}}
	a := newAgent(t, m, WithExplainer(stubExplainer{}))
	res, err := a.Executor().Start(context.Background(), "t1", graph.StartRequest{Query: "q", UseExplainer: true})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "ran run_query", res.Steps[0].Decision)
	assert.InDelta(t, 0.9, res.Steps[0].Confidence, 1e-9)
}

func TestSecondQueryCarriesHistory(t *testing.T) {
	m := &scriptedModel{turns: []turn{{text: "first"}, {text: "second"}}}
	a := newAgent(t, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.Executor().Start(ctx, "t1", graph.StartRequest{Query: "one"})
	require.NoError(t, err)
	res, err := a.Executor().Start(ctx, "t1", graph.StartRequest{Query: "two"})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Answer)

	msgs := m.requests[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "first", msgs[2].Content)
	assert.Equal(t, "two", msgs[3].Content)
}

func TestRepeatedToolCallIDsAreRenamedPerTurn(t *testing.T) {
	m := &scriptedModel{turns: []turn{
		{toolCalls: []model.ToolCall{call("auto_call_0", "run_query", `{"table":"a"}`)}},
		{toolCalls: []model.ToolCall{call("auto_call_0", "run_query", `{"table":"b"}`)}},
		{text: "done"},
	}}
	a := newAgent(t, m)
	ch, err := a.Executor().ExecuteStart(context.Background(), "t1", graph.StartRequest{Query: "q"})
	require.NoError(t, err)
	var ids []string
	for e := range ch {
		if e.ToolResult != nil {
			ids = append(ids, e.ToolResult.InvocationID)
		}
	}
	assert.Equal(t, []string{"auto_call_0", "call_2_0"}, ids)
}

func TestAssignToolCallIDs(t *testing.T) {
	history := []model.Message{{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{call("x", "run_query", `{}`)}}}
	calls := []model.ToolCall{
		call("", "run_query", `{}`),
		call("x", "run_query", `{}`),
		call("y", "run_query", `{}`),
		call("y", "run_query", `{}`),
	}
	assignToolCallIDs(history, calls, 4)
	var got []string
	for _, c := range calls {
		got = append(got, c.ID)
	}
	assert.Equal(t, []string{"call_4_0", "call_4_1", "y", "call_4_3"}, got)
}
