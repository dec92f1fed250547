//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
)

// StateGraph builds a Graph. Builder errors are collected and reported by
// Compile.
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a builder.
func NewStateGraph() *StateGraph {
	return &StateGraph{graph: New()}
}

// Option configures a node.
type Option func(*Node)

// WithName sets the display name.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the node description.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithInterrupt marks the node as an interrupt point.
func WithInterrupt() Option {
	return func(node *Node) {
		node.Interrupt = true
	}
}

// AddNode adds a node.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       id,
		Name:     id,
		Function: function,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.record(sg.graph.addNode(node))
	return sg
}

// AddEdge adds an unconditional edge.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.record(sg.graph.addEdge(&Edge{From: from, To: to}))
	return sg
}

// AddConditionalEdges routes from a node by condition.
func (sg *StateGraph) AddConditionalEdges(from string, condition ConditionalFunc, pathMap map[string]string) *StateGraph {
	sg.record(sg.graph.addConditionalEdge(&ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}))
	return sg
}

// SetEntryPoint sets the first node.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.record(sg.graph.setEntryPoint(nodeID))
	return sg
}

// SetFinishPoint ends runs after nodeID.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile validates and returns the graph.
func (sg *StateGraph) Compile() (*Graph, error) {
	if err := errors.Join(sg.errs...); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if err := sg.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return sg.graph, nil
}

// MustCompile is Compile that panics on error.
func (sg *StateGraph) MustCompile() *Graph {
	graph, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return graph
}

func (sg *StateGraph) record(err error) {
	if err != nil {
		sg.errs = append(sg.errs, err)
	}
}
