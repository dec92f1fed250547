//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package graph is a checkpointed state machine for agent threads. Nodes
// return deltas that are merged into the thread State; a checkpoint is
// written after every node, and interrupt nodes pause the thread until a
// human Decision resumes it.
package graph

import (
	"context"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
)

const (
	// End is the virtual node that finishes a run.
	End = "__end__"
)

// NodeFunc executes one node. The returned command's delta is merged into
// the state; GoTo, when set, overrides the graph edges.
type NodeFunc func(ctx context.Context, ec *ExecutionContext) (*Command, error)

// ConditionalFunc picks a path key from the merged state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// Command is the result of a node.
type Command struct {
	Update Delta
	GoTo   string
}

// Node is a vertex of the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc
	// Interrupt pauses the thread before the node until a decision arrives.
	Interrupt bool
}

// Edge is an unconditional transition.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes by the result of Condition.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	PathMap   map[string]string
}

// Graph is a compiled, immutable node graph.
type Graph struct {
	mu               sync.RWMutex
	nodes            map[string]*Node
	edges            map[string]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:            make(map[string]*Node),
		edges:            make(map[string]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
	}
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// EntryPoint returns the first node of every run.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// IsInterrupt reports whether id is an interrupt node.
func (g *Graph) IsInterrupt(id string) bool {
	n, ok := g.Node(id)
	return ok && n.Interrupt
}

func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entryPoint == "" {
		return fmt.Errorf("graph must have an entry point")
	}
	if _, exists := g.nodes[g.entryPoint]; !exists {
		return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
	}
	for id, n := range g.nodes {
		if n.Function == nil {
			return fmt.Errorf("node %s has no function", id)
		}
	}
	return nil
}

func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" || node.ID == End {
		return fmt.Errorf("invalid node ID %q", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists", node.ID)
	}
	g.nodes[node.ID] = node
	return nil
}

func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[edge.From]; !exists {
		return fmt.Errorf("source node %s does not exist", edge.From)
	}
	if edge.To != End {
		if _, exists := g.nodes[edge.To]; !exists {
			return fmt.Errorf("target node %s does not exist", edge.To)
		}
	}
	if _, exists := g.conditionalEdges[edge.From]; exists {
		return fmt.Errorf("node %s already has conditional edges", edge.From)
	}
	g.edges[edge.From] = edge
	return nil
}

func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[condEdge.From]; !exists {
		return fmt.Errorf("source node %s does not exist", condEdge.From)
	}
	if condEdge.Condition == nil {
		return fmt.Errorf("conditional edge from %s has no condition", condEdge.From)
	}
	for _, to := range condEdge.PathMap {
		if to == End {
			continue
		}
		if _, exists := g.nodes[to]; !exists {
			return fmt.Errorf("target node %s does not exist", to)
		}
	}
	if _, exists := g.edges[condEdge.From]; exists {
		return fmt.Errorf("node %s already has an edge", condEdge.From)
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

func (g *Graph) setEntryPoint(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[nodeID]; !exists {
		return fmt.Errorf("entry point node %s does not exist", nodeID)
	}
	g.entryPoint = nodeID
	return nil
}

// next resolves the node that follows from. Nodes without edges end the run.
func (g *Graph) next(ctx context.Context, from string, state State) (string, error) {
	g.mu.RLock()
	condEdge, hasCond := g.conditionalEdges[from]
	edge, hasEdge := g.edges[from]
	g.mu.RUnlock()
	switch {
	case hasCond:
		key, err := condEdge.Condition(ctx, state)
		if err != nil {
			return "", fmt.Errorf("conditional edge evaluation failed: %w", err)
		}
		to, ok := condEdge.PathMap[key]
		if !ok {
			return "", fmt.Errorf("condition result %s not found in path map", key)
		}
		return to, nil
	case hasEdge:
		return edge.To, nil
	default:
		return End, nil
	}
}

// ExecutionContext is what a node sees of the run.
type ExecutionContext struct {
	ThreadID string
	RunID    string
	NodeID   string
	// CheckpointID is the checkpoint the node runs from.
	CheckpointID string
	// State is a private copy of the thread state.
	State State
	// Decision is set only when an interrupt node runs on resume.
	Decision *Decision

	events chan<- *event.Event
}

// Emit forwards e to the run's event stream, tagging it with the run, thread
// and node.
func (ec *ExecutionContext) Emit(ctx context.Context, e *event.Event) error {
	if ec.events == nil || e == nil {
		return nil
	}
	if e.InvocationID == "" {
		e.InvocationID = ec.RunID
	}
	if e.ThreadID == "" {
		e.ThreadID = ec.ThreadID
	}
	if e.Author == "" {
		e.Author = ec.NodeID
	}
	select {
	case ec.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
