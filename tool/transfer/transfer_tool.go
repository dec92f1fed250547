//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package transfer provides the transfer_to_agent routing tool. It only
// changes which agent profile handles the following turns and is never
// shown to clients.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-dbagent-go/tool"
)

const (
	// TransferToolName is the name of the transfer_to_agent tool.
	TransferToolName = "transfer_to_agent"
	// FieldAgentName is the name of the agent_name field.
	FieldAgentName = "agent_name"
	// FieldMessage is the name of the message field.
	FieldMessage = "message"
)

// IsTransfer reports whether name is the routing pseudo-tool.
func IsTransfer(name string) bool {
	return name == TransferToolName
}

// AgentInfo describes an agent profile that control can be handed to.
type AgentInfo struct {
	Name        string
	Description string
}

// Request is the input of transfer_to_agent.
type Request struct {
	// AgentName is the name of the target agent to transfer to.
	AgentName string `json:"agent_name"`
	// Message is the message to send to the target agent (optional).
	Message string `json:"message,omitempty"`
}

// Response is the result of transfer_to_agent.
type Response struct {
	// Success indicates if the transfer was successful.
	Success bool `json:"success"`
	// Message provides details about the transfer.
	Message string `json:"message"`
	// TargetAgent is the name of the agent control was transferred to.
	TargetAgent string `json:"target_agent,omitempty"`
}

// ParseResponse decodes a transfer result produced by Call.
func ParseResponse(output string) (Response, bool) {
	var rsp Response
	if err := json.Unmarshal([]byte(output), &rsp); err != nil {
		return Response{}, false
	}
	return rsp, rsp.Success && rsp.TargetAgent != ""
}

// Tool implements tool.CallableTool.
type Tool struct {
	availableAgents []AgentInfo
}

// New creates a transfer tool for the given agent profiles.
func New(agents []AgentInfo) *Tool {
	return &Tool{availableAgents: agents}
}

func (t *Tool) findAgentInfo(name string) *AgentInfo {
	for i := range t.availableAgents {
		if t.availableAgents[i].Name == name {
			return &t.availableAgents[i]
		}
	}
	return nil
}

// Declaration implements tool.Tool.
func (t *Tool) Declaration() *tool.Declaration {
	var descriptions []string
	names := make([]any, len(t.availableAgents))
	for i, info := range t.availableAgents {
		names[i] = info.Name
		descriptions = append(descriptions, fmt.Sprintf("- %s: %s", info.Name, info.Description))
	}
	return &tool.Declaration{
		Name:        TransferToolName,
		Description: "Hand the conversation over to a more suitable agent profile.",
		InputSchema: &tool.Schema{
			Type: "object",
			Properties: map[string]*tool.Schema{
				FieldAgentName: {
					Type: "string",
					Description: fmt.Sprintf("Name of the agent to transfer control to.\n\nAvailable agents:\n%s",
						strings.Join(descriptions, "\n")),
					Enum: names,
				},
				FieldMessage: {
					Type:        "string",
					Description: "Optional message to pass to the target agent",
				},
			},
			Required: []string{FieldAgentName},
		},
	}
}

// Call implements tool.CallableTool.
func (t *Tool) Call(_ context.Context, jsonArgs []byte) (any, error) {
	var req Request
	if err := json.Unmarshal(jsonArgs, &req); err != nil {
		return Response{Message: fmt.Sprintf("Invalid request format: %v", err)}, nil
	}
	info := t.findAgentInfo(req.AgentName)
	if info == nil {
		available := make([]string, len(t.availableAgents))
		for i, a := range t.availableAgents {
			available[i] = a.Name
		}
		return Response{
			Message: fmt.Sprintf("Agent '%s' not found. Available agents: %v", req.AgentName, available),
		}, nil
	}
	return Response{
		Success:     true,
		Message:     fmt.Sprintf("Transfer initiated to agent '%s'", info.Name),
		TargetAgent: info.Name,
	}, nil
}
