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
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
)

const explainInstruction = `You explain the actions of a database agent.
Given the user request, the approved plan and one executed step, answer with a
single JSON object and nothing else:
{"decision": "...", "reasoning": "...", "why_chosen": "...", "confidence": 0.0}
confidence is a number between 0 and 1.`

// maxExplainOutput bounds how much tool output is shown to the explainer.
const maxExplainOutput = 2000

// ModelExplainer asks a model for a step explanation.
type ModelExplainer struct {
	model model.Model
}

// NewModelExplainer creates an explainer backed by m.
func NewModelExplainer(m model.Model) *ModelExplainer {
	return &ModelExplainer{model: m}
}

// Explain implements Explainer.
func (e *ModelExplainer) Explain(ctx context.Context, req ExplainRequest) (Explanation, error) {
	prompt := fmt.Sprintf("User request:\n%s\n\nPlan:\n%s\n\nStep %d used tool %s.\nInput:\n%s\nOutput:\n%s",
		req.Query, req.Plan, req.Step.ID, req.Step.Type, req.Step.Input, truncate(req.Step.Output, maxExplainOutput))
	ch, err := e.model.GenerateContent(ctx, &model.Request{
		Messages: []model.Message{
			model.NewSystemMessage(explainInstruction),
			model.NewUserMessage(prompt),
		},
	})
	if err != nil {
		return Explanation{}, err
	}
	msg, err := model.Collect(ctx, ch, nil)
	if err != nil {
		return Explanation{}, err
	}
	return ParseExplanation(msg.Content)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// ParseExplanation extracts the JSON explanation from model output. Code
// fences and text around the object are tolerated.
func ParseExplanation(content string) (Explanation, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Explanation{}, errors.New("explanation is not a JSON object")
	}
	var e Explanation
	if err := json.Unmarshal([]byte(content[start:end+1]), &e); err != nil {
		return Explanation{}, fmt.Errorf("decode explanation: %w", err)
	}
	if e.Decision == "" && e.Reasoning == "" {
		return Explanation{}, errors.New("explanation is empty")
	}
	e.Confidence = clamp(e.Confidence)
	return e, nil
}
