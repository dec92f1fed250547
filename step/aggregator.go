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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-dbagent-go/log"
)

const (
	// DefaultConfidence is used for groups that skip the explainer.
	DefaultConfidence = 0.8
	// FallbackConfidence is used when the explainer fails.
	FallbackConfidence = 0.5

	outputSeparator = "\n---\n"
)

// ExplainRequest carries what an explainer needs to describe one step.
type ExplainRequest struct {
	Query string
	Plan  string
	Step  Step
}

// Explainer generates an explanation for a completed step.
type Explainer interface {
	Explain(ctx context.Context, req ExplainRequest) (Explanation, error)
}

// Request is the input of one aggregation.
type Request struct {
	StepID       int
	Results      []Result
	Query        string
	Plan         string
	UseExplainer bool
}

// Aggregator groups the results of one turn into steps.
type Aggregator struct {
	explainer Explainer
	now       func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithExplainer sets the explainer used for the tail group.
func WithExplainer(e Explainer) Option {
	return func(a *Aggregator) { a.explainer = e }
}

// NewAggregator creates an Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type group struct {
	tool        string
	results     []Result
	firstSeq    int
	completedAt time.Time
}

// Aggregate groups results by tool name, builds one step per group in
// submission order and explains the most recently completed group. Every
// other group gets a default explanation.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) []Step {
	groups := groupByTool(req.Results)
	if len(groups) == 0 {
		return nil
	}
	tail := 0
	for i, g := range groups {
		if g.completedAt.After(groups[tail].completedAt) {
			tail = i
		}
	}
	steps := make([]Step, 0, len(groups))
	for i, g := range groups {
		s := g.toStep(req.StepID, a.now())
		if i == tail && req.UseExplainer && a.explainer != nil {
			s.Explain(a.explain(ctx, req, s))
		} else {
			s.Explain(defaultExplanation(s, DefaultConfidence))
		}
		steps = append(steps, s)
	}
	return steps
}

func (a *Aggregator) explain(ctx context.Context, req Request, s Step) Explanation {
	e, err := a.explainer.Explain(ctx, ExplainRequest{Query: req.Query, Plan: req.Plan, Step: s})
	if err != nil {
		log.Warnf("explain step %d (%s) failed: %v", s.ID, s.Type, err)
		return defaultExplanation(s, FallbackConfidence)
	}
	return e
}

func defaultExplanation(s Step, confidence float64) Explanation {
	return Explanation{
		Decision:   fmt.Sprintf("Executed %s as part of step %d", s.Type, s.ID),
		Reasoning:  fmt.Sprintf("The %s tool was called to gather information needed for the request.", s.Type),
		WhyChosen:  fmt.Sprintf("%s provides the data required at this point of the plan.", s.Type),
		Confidence: confidence,
	}
}

func groupByTool(results []Result) []*group {
	sorted := append([]Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	index := make(map[string]*group)
	var groups []*group
	for _, r := range sorted {
		g, ok := index[r.ToolName]
		if !ok {
			g = &group{tool: r.ToolName, firstSeq: r.Sequence}
			index[r.ToolName] = g
			groups = append(groups, g)
		}
		g.results = append(g.results, r)
		if r.CompletedAt.After(g.completedAt) {
			g.completedAt = r.CompletedAt
		}
	}
	return groups
}

func (g *group) toStep(stepID int, now time.Time) Step {
	s := Step{ID: stepID, Type: g.tool, Timestamp: now}
	if len(g.results) == 1 {
		r := g.results[0]
		s.Input = r.Arguments
		s.Output = r.Output
		s.InvocationIDs = []string{r.InvocationID}
		return s
	}
	inputs := make([]json.RawMessage, 0, len(g.results))
	outputs := make([]string, 0, len(g.results))
	for _, r := range g.results {
		inputs = append(inputs, rawArgs(r.Arguments))
		outputs = append(outputs, r.Output)
		s.InvocationIDs = append(s.InvocationIDs, r.InvocationID)
	}
	joined, err := json.Marshal(inputs)
	if err != nil {
		joined = []byte("[]")
	}
	s.Input = string(joined)
	s.Output = strings.Join(outputs, outputSeparator)
	return s
}

// rawArgs keeps valid JSON arguments as is and quotes anything else.
func rawArgs(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}
