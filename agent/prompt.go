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
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
)

const defaultInstruction = `You are a database assistant. Answer the user's
request by calling the tools below. Inspect the schema before querying, keep
queries read-only, and call independent tools in the same turn. When you have
enough information, reply with the answer and call no tools.`

func (a *Agent) systemPrompt(s graph.State) string {
	var b strings.Builder
	instruction := a.instruction
	if instruction == "" {
		instruction = defaultInstruction
	}
	b.WriteString(instruction)
	if t, ok := a.agentTypes[s.AgentType]; ok && t.Instruction != "" {
		fmt.Fprintf(&b, "\n\nYou are acting as %s. %s", t.Name, t.Instruction)
	}
	if manifest := a.registry.ManifestText(); manifest != "" {
		fmt.Fprintf(&b, "\n\nAvailable tools:\n%s", manifest)
	}
	if s.Plan != "" {
		fmt.Fprintf(&b, "\n\nFollow the approved plan:\n%s", s.Plan)
	}
	if s.HumanComment != "" && s.Status == graph.StatusApproved {
		fmt.Fprintf(&b, "\n\nReviewer note: %s", s.HumanComment)
	}
	return b.String()
}
