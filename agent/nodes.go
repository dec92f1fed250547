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
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	itelemetry "trpc.group/trpc-go/trpc-dbagent-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/planner"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
	"trpc.group/trpc-go/trpc-dbagent-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/dispatch"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/transfer"
)

func (a *Agent) route(_ context.Context, _ *graph.ExecutionContext) (*graph.Command, error) {
	return &graph.Command{}, nil
}

func routeByPlanning(_ context.Context, s graph.State) (string, error) {
	if s.UsePlanning {
		return NodePlanning, nil
	}
	return NodeActing, nil
}

func (a *Agent) plan(ctx context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
	s := ec.State
	onChunk := streamChunks(ctx, ec, event.StagePlanning)
	if s.Status == graph.StatusFeedback {
		return a.revise(ctx, ec, onChunk)
	}
	plan, err := a.planner.Plan(ctx, planner.PlanRequest{
		Query:     s.Query,
		History:   history(s),
		Manifest:  a.registry.ManifestText(),
		AgentType: s.AgentType,
	}, onChunk)
	if err != nil {
		return nil, &graph.ModelInvocationError{Node: ec.NodeID, Cause: err}
	}
	return &graph.Command{
		Update: graph.Delta{Plan: graph.Ptr(plan), Answer: graph.Ptr("")},
		GoTo:   NodeAwaitingApproval,
	}, nil
}

func (a *Agent) revise(ctx context.Context, ec *graph.ExecutionContext, onChunk model.ChunkFunc) (*graph.Command, error) {
	s := ec.State
	comment := model.NewUserMessage(s.HumanComment)
	revisions := s.PlanRevisions + 1
	if revisions > a.maxPlanRevisions {
		log.Infof("agent: thread %s exceeded %d plan revisions, cancelling", ec.ThreadID, a.maxPlanRevisions)
		return cancelCommand(comment, fmt.Sprintf(
			"Cancelled after %d plan revisions.", a.maxPlanRevisions)), nil
	}
	review, err := a.planner.Review(ctx, planner.ReviewRequest{
		Query:    s.Query,
		Plan:     s.Plan,
		Comment:  s.HumanComment,
		History:  history(s),
		Manifest: a.registry.ManifestText(),
	}, onChunk)
	if err != nil {
		return nil, &graph.ModelInvocationError{Node: ec.NodeID, Cause: err}
	}
	log.Debugf("agent: thread %s feedback classified as %s", ec.ThreadID, review.Kind)
	update := graph.Delta{
		Status:        graph.Ptr(graph.Status("")),
		HumanComment:  graph.Ptr(""),
		PlanRevisions: graph.Ptr(revisions),
		Answer:        graph.Ptr(review.Answer),
	}
	switch review.Kind {
	case planner.ReviewCancel:
		return cancelCommand(comment, review.Answer), nil
	case planner.ReviewReplan:
		update.Plan = graph.Ptr(review.Plan)
	}
	update.Messages = []model.Message{comment}
	if review.Answer != "" {
		update.Messages = append(update.Messages, model.NewAssistantMessage(review.Answer))
	}
	return &graph.Command{Update: update, GoTo: NodeAwaitingApproval}, nil
}

func cancelCommand(comment model.Message, answer string) *graph.Command {
	return &graph.Command{
		Update: graph.Delta{
			Status:       graph.Ptr(graph.StatusCancelled),
			HumanComment: graph.Ptr(""),
			Answer:       graph.Ptr(answer),
			Messages:     []model.Message{comment},
		},
		GoTo: NodeDone,
	}
}

func (a *Agent) awaitApproval(_ context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
	d := ec.Decision
	if d == nil {
		return nil, graph.ErrNotAwaitingApproval
	}
	log.Infof("agent: thread %s decision %s", ec.ThreadID, d.Action)
	switch d.Action {
	case graph.StatusApproved:
		return &graph.Command{
			Update: graph.Delta{Status: graph.Ptr(graph.StatusApproved), HumanComment: graph.Ptr(d.Comment)},
			GoTo:   NodeActing,
		}, nil
	case graph.StatusFeedback:
		return &graph.Command{
			Update: graph.Delta{Status: graph.Ptr(graph.StatusFeedback), HumanComment: graph.Ptr(d.Comment)},
			GoTo:   NodePlanning,
		}, nil
	case graph.StatusCancelled:
		return &graph.Command{
			Update: graph.Delta{Status: graph.Ptr(graph.StatusCancelled), HumanComment: graph.Ptr(d.Comment)},
			GoTo:   NodeDone,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", graph.ErrInvalidDecision, d.Action)
}

func (a *Agent) act(ctx context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
	s := ec.State
	messages := append([]model.Message{model.NewSystemMessage(a.systemPrompt(s))}, s.Messages...)
	cfg := a.genConfig
	cfg.Stream = true
	req := &model.Request{
		Messages:         messages,
		GenerationConfig: cfg,
		Tools:            a.registry.Tools(),
	}

	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameCallLLM)
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyThreadID, ec.ThreadID),
		attribute.String(itelemetry.KeyNodeID, ec.NodeID),
	)
	ch, err := a.model.GenerateContent(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &graph.ModelInvocationError{Node: ec.NodeID, Cause: err}
	}
	msg, err := model.Collect(ctx, ch, streamChunks(ctx, ec, event.StageActing))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &graph.ModelInvocationError{Node: ec.NodeID, Cause: err}
	}
	msg.Role = model.RoleAssistant

	stepID := s.StepCounter + 1
	assignToolCallIDs(s.Messages, msg.ToolCalls, stepID)
	final := &model.Response{
		ID:        uuid.New().String(),
		Object:    model.ObjectTypeChatCompletion,
		Created:   time.Now().Unix(),
		Model:     a.model.Info().Name,
		Choices:   []model.Choice{{Message: msg}},
		Timestamp: time.Now(),
		Done:      len(msg.ToolCalls) == 0,
	}
	if err := ec.Emit(ctx, event.NewResponseEvent(ec.RunID, ec.NodeID, final, event.WithStage(event.StageActing))); err != nil {
		return nil, err
	}

	if len(msg.ToolCalls) == 0 {
		return &graph.Command{
			Update: graph.Delta{Messages: []model.Message{msg}, Answer: graph.Ptr(msg.Content)},
			GoTo:   NodeDone,
		}, nil
	}
	return &graph.Command{
		Update: graph.Delta{
			Messages:         []model.Message{msg},
			StepCounter:      graph.Ptr(stepID),
			PendingToolCalls: msg.ToolCalls,
		},
		GoTo: NodeDispatchingTools,
	}, nil
}

func (a *Agent) dispatchTools(ctx context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
	s := ec.State
	invocations := make([]dispatch.Invocation, 0, len(s.PendingToolCalls))
	for _, tc := range s.PendingToolCalls {
		invocations = append(invocations, dispatch.Invocation{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: string(tc.Function.Arguments),
		})
	}
	results := a.dispatcher.Dispatch(ctx, s.StepCounter, invocations)
	update := graph.Delta{
		PendingResults: append([]step.Result{}, results...),
		ClearToolCalls: true,
	}
	for _, res := range results {
		if res.IsError() {
			log.Errorf("agent: thread %s tool %s (%s): %s", ec.ThreadID, res.ToolName, res.InvocationID, res.Output)
		}
		if err := ec.Emit(ctx, event.NewToolResultEvent(ec.RunID, ec.NodeID, res,
			event.WithStage(event.StageActing))); err != nil {
			return nil, err
		}
		update.Messages = append(update.Messages, model.NewToolMessage(res.InvocationID, res.ToolName, res.Output))
		update.Visualizations = append(update.Visualizations, res.Visualizations...)
		if transfer.IsTransfer(res.ToolName) {
			if rsp, ok := transfer.ParseResponse(res.Output); ok {
				if _, known := a.agentTypes[rsp.TargetAgent]; known {
					update.AgentType = graph.Ptr(rsp.TargetAgent)
				}
			}
		}
	}
	return &graph.Command{Update: update, GoTo: NodeAggregating}, nil
}

func (a *Agent) aggregate(ctx context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
	s := ec.State
	steps := a.aggregator.Aggregate(ctx, step.Request{
		StepID:       s.StepCounter,
		Results:      s.PendingResults,
		Query:        s.Query,
		Plan:         s.Plan,
		UseExplainer: s.UseExplainer,
	})
	if len(steps) > 0 {
		if err := ec.Emit(ctx, event.NewStepsEvent(ec.RunID, ec.NodeID, steps)); err != nil {
			return nil, err
		}
	}
	return &graph.Command{
		Update: graph.Delta{Steps: steps, ClearResults: true},
		GoTo:   NodeActing,
	}, nil
}

func (a *Agent) finish(_ context.Context, ec *graph.ExecutionContext) (*graph.Command, error) {
	log.Infof("agent: thread %s finished with %d steps", ec.ThreadID, len(ec.State.Steps))
	return &graph.Command{
		Update: graph.Delta{ClearToolCalls: true, ClearResults: true},
		GoTo:   graph.End,
	}, nil
}

// streamChunks forwards partial model output as events of the given stage.
func streamChunks(ctx context.Context, ec *graph.ExecutionContext, stage string) model.ChunkFunc {
	return func(rsp *model.Response) {
		if err := ec.Emit(ctx, event.NewResponseEvent(ec.RunID, ec.NodeID, rsp.Clone(), event.WithStage(stage))); err != nil {
			log.Debugf("agent: drop %s chunk: %v", stage, err)
		}
	}
}

// history returns the conversation before the current request.
func history(s graph.State) []model.Message {
	msgs := s.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser && msgs[i].Content == s.Query {
			return append([]model.Message(nil), msgs[:i]...)
		}
	}
	return append([]model.Message(nil), msgs...)
}

// assignToolCallIDs names calls that arrive without an id, or with one already
// used earlier in the thread, as call_<step>_<i>. Adapters that synthesize ids
// from the call index repeat them on every turn.
func assignToolCallIDs(history []model.Message, calls []model.ToolCall, stepID int) {
	used := make(map[string]bool)
	for _, m := range history {
		for _, tc := range m.ToolCalls {
			used[tc.ID] = true
		}
	}
	for i := range calls {
		if calls[i].ID == "" || used[calls[i].ID] {
			calls[i].ID = fmt.Sprintf("call_%d_%d", stepID, i)
		}
		used[calls[i].ID] = true
	}
}
