//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package step

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
)

type stubExplainer struct {
	calls []ExplainRequest
	err   error
}

func (s *stubExplainer) Explain(_ context.Context, req ExplainRequest) (Explanation, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return Explanation{}, s.err
	}
	return Explanation{Decision: "d", Reasoning: "r", WhyChosen: "w", Confidence: 0.95}, nil
}

func result(id, name, args, out string, seq int, done time.Time) Result {
	return Result{InvocationID: id, ToolName: name, Arguments: args, Output: out, StepID: 2, Sequence: seq, CompletedAt: done}
}

func TestAggregate_GroupsByToolName(t *testing.T) {
	base := time.Now()
	ex := &stubExplainer{}
	agg := NewAggregator(WithExplainer(ex))
	steps := agg.Aggregate(context.Background(), Request{
		StepID: 2,
		Results: []Result{
			result("c3", "describe_table", `{"table":"b"}`, "B", 2, base.Add(1*time.Second)),
			result("c1", "describe_table", `{"table":"a"}`, "A", 0, base.Add(3*time.Second)),
			result("c2", "list_tables", `{}`, "users", 1, base.Add(2*time.Second)),
		},
		UseExplainer: true,
	})
	require.Len(t, steps, 2)

	assert.Equal(t, "describe_table", steps[0].Type)
	assert.Equal(t, 2, steps[0].ID)
	assert.JSONEq(t, `[{"table":"a"},{"table":"b"}]`, steps[0].Input)
	assert.Equal(t, "A\n---\nB", steps[0].Output)
	assert.Equal(t, []string{"c1", "c3"}, steps[0].InvocationIDs)

	assert.Equal(t, "list_tables", steps[1].Type)
	assert.Equal(t, `{}`, steps[1].Input)

	// describe_table finished last, so it is the tail.
	require.Len(t, ex.calls, 1)
	assert.Equal(t, "describe_table", ex.calls[0].Step.Type)
	assert.Equal(t, 0.95, steps[0].Confidence)
	assert.Equal(t, DefaultConfidence, steps[1].Confidence)
	assert.True(t, steps[1].Explained)
}

func TestAggregate_ExplainerFailureFallsBack(t *testing.T) {
	agg := NewAggregator(WithExplainer(&stubExplainer{err: errors.New("boom")}))
	steps := agg.Aggregate(context.Background(), Request{
		StepID:       1,
		Results:      []Result{result("c1", "run_query", `{"sql":"select 1"}`, "1", 0, time.Now())},
		UseExplainer: true,
	})
	require.Len(t, steps, 1)
	assert.Equal(t, FallbackConfidence, steps[0].Confidence)
	assert.Contains(t, steps[0].Decision, "run_query")
}

func TestAggregate_ExplainerDisabled(t *testing.T) {
	ex := &stubExplainer{}
	agg := NewAggregator(WithExplainer(ex))
	steps := agg.Aggregate(context.Background(), Request{
		StepID:  1,
		Results: []Result{result("c1", "run_query", "not json", "Error: boom", 0, time.Now())},
	})
	require.Len(t, steps, 1)
	assert.Empty(t, ex.calls)
	assert.Equal(t, DefaultConfidence, steps[0].Confidence)
	assert.True(t, strings.HasPrefix(steps[0].Output, ErrorPrefix))
	assert.Empty(t, NewAggregator().Aggregate(context.Background(), Request{StepID: 1}))
}

func TestMerge_ReplacesSameID(t *testing.T) {
	existing := []Step{{ID: 1, Type: "a"}, {ID: 2, Type: "b"}, {ID: 2, Type: "c"}}
	incoming := []Step{{ID: 2, Type: "b2"}}
	merged := Merge(existing, incoming)
	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].Type)
	assert.Equal(t, "b2", merged[1].Type)

	again := Merge(merged, incoming)
	assert.Equal(t, merged, again)
	assert.Equal(t, existing, Merge(existing, nil))
}

func TestAggregate_ReplayWithSameStepIDDoesNotDuplicate(t *testing.T) {
	agg := NewAggregator()
	base := time.Now()
	req := Request{
		StepID: 3,
		Results: []Result{
			result("c1", "run_query", `{"table":"a"}`, "A", 0, base),
			result("c2", "list_tables", `{}`, "a, b", 1, base.Add(time.Second)),
		},
	}
	prior := []Step{{ID: 1, Type: "list_tables"}, {ID: 2, Type: "run_query"}}
	once := Merge(prior, agg.Aggregate(context.Background(), req))
	twice := Merge(once, agg.Aggregate(context.Background(), req))
	require.Len(t, once, 4)
	require.Len(t, twice, 4)
	for i := range once {
		assert.Equal(t, once[i].ID, twice[i].ID)
		assert.Equal(t, once[i].Type, twice[i].Type)
		assert.Equal(t, once[i].InvocationIDs, twice[i].InvocationIDs)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	s := "a" + strings.Repeat("é", 1000)
	got := truncate(s, maxExplainOutput)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "a"+strings.Repeat("é", 999)+"...", got)
	assert.Equal(t, "...", truncate("日本", 2))
}

func TestStep_ExplainOnce(t *testing.T) {
	s := Step{ID: 1}
	s.Explain(Explanation{Decision: "first", Confidence: 1.7})
	s.Explain(Explanation{Decision: "second"})
	assert.Equal(t, "first", s.Decision)
	assert.Equal(t, 1.0, s.Confidence)
}

func TestParseExplanation(t *testing.T) {
	e, err := ParseExplanation("```json\n{\"decision\":\"d\",\"reasoning\":\"r\",\"why_chosen\":\"w\",\"confidence\":-2}\n```")
	require.NoError(t, err)
	assert.Equal(t, "d", e.Decision)
	assert.Equal(t, 0.0, e.Confidence)

	_, err = ParseExplanation("no json here")
	require.Error(t, err)
	_, err = ParseExplanation("{}")
	require.Error(t, err)
	_, err = ParseExplanation("{bad}")
	require.Error(t, err)
}

type scriptedModel struct {
	content string
	err     error
	prompt  string
}

func (m *scriptedModel) GenerateContent(_ context.Context, req *model.Request) (<-chan *model.Response, error) {
	if len(req.Messages) > 0 {
		m.prompt = req.Messages[len(req.Messages)-1].Content
	}
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan *model.Response, 1)
	ch <- &model.Response{Done: true, Choices: []model.Choice{{Message: model.NewAssistantMessage(m.content)}}}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func TestModelExplainer(t *testing.T) {
	m := &scriptedModel{content: `{"decision":"query","reasoning":"needed rows","why_chosen":"direct","confidence":0.7}`}
	ex := NewModelExplainer(m)
	e, err := ex.Explain(context.Background(), ExplainRequest{Query: "q", Step: Step{ID: 1, Type: "run_query", Output: "x" + strings.Repeat("行", 1500)}})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(m.prompt))
	assert.True(t, strings.HasSuffix(m.prompt, "..."))
	assert.Equal(t, "query", e.Decision)
	assert.Equal(t, 0.7, e.Confidence)

	_, err = NewModelExplainer(&scriptedModel{err: errors.New("down")}).Explain(context.Background(), ExplainRequest{})
	require.Error(t, err)
}
