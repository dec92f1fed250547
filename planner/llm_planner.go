//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
)

const planInstruction = `You are the planner of a database assistant.
Write a short numbered plan of the steps you will take to answer the user's
request with the tools below. Do not run anything and do not answer the
request yet. Reply with the plan only.

Available tools:
%s`

const reviewInstruction = `You are the planner of a database assistant. The user
reviewed the plan below and left a comment. Classify the comment and reply with
a single JSON object and nothing else:
{"action": "answer" | "replan" | "cancel", "response": "...", "plan": "..."}
- "answer": the comment is a question about the plan; put the reply in "response".
- "replan": the comment asks for changes; put the full revised plan in "plan"
  and a one-line summary of the change in "response".
- "cancel": the user wants to stop.

Available tools:
%s`

var cancelPattern = regexp.MustCompile(`(?i)^\s*(cancel|stop|abort|never ?mind|forget it)[.!\s]*$`)

// LLMPlanner implements Planner with a model.
type LLMPlanner struct {
	model model.Model
}

// NewLLMPlanner creates a planner backed by m.
func NewLLMPlanner(m model.Model) *LLMPlanner {
	return &LLMPlanner{model: m}
}

// Plan drafts a plan for req.Query.
func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest, onChunk model.ChunkFunc) (string, error) {
	messages := []model.Message{model.NewSystemMessage(fmt.Sprintf(planInstruction, manifestOrNone(req.Manifest)))}
	messages = append(messages, req.History...)
	messages = append(messages, model.NewUserMessage(req.Query))
	msg, err := p.generate(ctx, messages, onChunk)
	if err != nil {
		return "", err
	}
	plan := strings.TrimSpace(msg.Content)
	if plan == "" {
		return "", fmt.Errorf("planner: model returned an empty plan")
	}
	return plan, nil
}

// Review classifies req.Comment. A plain cancel phrase short-circuits the
// model call.
func (p *LLMPlanner) Review(ctx context.Context, req ReviewRequest, onChunk model.ChunkFunc) (Review, error) {
	if IsCancelComment(req.Comment) {
		return Review{Kind: ReviewCancel, Answer: "Request cancelled."}, nil
	}
	messages := []model.Message{model.NewSystemMessage(fmt.Sprintf(reviewInstruction, manifestOrNone(req.Manifest)))}
	messages = append(messages, req.History...)
	messages = append(messages, model.NewUserMessage(fmt.Sprintf(
		"Request:\n%s\n\nCurrent plan:\n%s\n\nComment:\n%s", req.Query, req.Plan, req.Comment)))
	msg, err := p.generate(ctx, messages, onChunk)
	if err != nil {
		return Review{}, err
	}
	return ParseReview(msg.Content), nil
}

func (p *LLMPlanner) generate(ctx context.Context, messages []model.Message, onChunk model.ChunkFunc) (model.Message, error) {
	ch, err := p.model.GenerateContent(ctx, &model.Request{
		Messages:         messages,
		GenerationConfig: model.GenerationConfig{Stream: onChunk != nil},
	})
	if err != nil {
		return model.Message{}, err
	}
	return model.Collect(ctx, ch, onChunk)
}

// IsCancelComment reports whether comment is a bare cancel phrase.
func IsCancelComment(comment string) bool {
	return cancelPattern.MatchString(comment)
}

// ParseReview decodes the review object in content. Output that is not a
// valid review is treated as an answer carrying the raw text.
func ParseReview(content string) Review {
	raw := strings.TrimSpace(content)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		var r Review
		if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err == nil {
			r.Kind = ReviewKind(strings.ToLower(string(r.Kind)))
			switch r.Kind {
			case ReviewCancel, ReviewAnswer:
				return r
			case ReviewReplan:
				if strings.TrimSpace(r.Plan) != "" {
					return r
				}
				return Review{Kind: ReviewAnswer, Answer: r.Answer}
			}
		}
	}
	return Review{Kind: ReviewAnswer, Answer: raw}
}

func manifestOrNone(manifest string) string {
	if strings.TrimSpace(manifest) == "" {
		return "(none)"
	}
	return manifest
}
