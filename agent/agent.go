//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package agent assembles the database agent graph: route, plan, wait for
// approval, act, dispatch tools, aggregate steps, and finish.
package agent

import (
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/planner"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
	"trpc.group/trpc-go/trpc-dbagent-go/tool"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/dispatch"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/transfer"
)

// Node ids of the agent graph.
const (
	NodeRouting          = "routing"
	NodePlanning         = "planning"
	NodeAwaitingApproval = "awaiting_approval"
	NodeActing           = "acting"
	NodeDispatchingTools = "dispatching_tools"
	NodeAggregating      = "aggregating"
	NodeDone             = "done"
)

const defaultMaxPlanRevisions = 3

// AgentType is a persona the acting node can run as. The model switches
// between types with the transfer_to_agent tool.
type AgentType struct {
	Name        string
	Description string
	Instruction string
}

// Option configures an Agent.
type Option func(*Options)

// Options holds the agent configuration.
type Options struct {
	Instruction      string
	Planner          planner.Planner
	Dispatcher       *dispatch.Dispatcher
	DispatchOptions  []dispatch.Option
	Aggregator       *step.Aggregator
	Explainer        step.Explainer
	Saver            graph.CheckpointSaver
	ExecutorOptions  []graph.ExecutorOption
	MaxPlanRevisions int
	AgentTypes       []AgentType
	GenerationConfig model.GenerationConfig
}

// WithInstruction sets the base system instruction of the acting node.
func WithInstruction(instruction string) Option {
	return func(opts *Options) {
		opts.Instruction = instruction
	}
}

// WithPlanner replaces the default model-backed planner.
func WithPlanner(p planner.Planner) Option {
	return func(opts *Options) {
		opts.Planner = p
	}
}

// WithDispatcher uses an existing dispatcher. The agent does not close it.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(opts *Options) {
		opts.Dispatcher = d
	}
}

// WithDispatchOptions configures the dispatcher the agent creates.
func WithDispatchOptions(dopts ...dispatch.Option) Option {
	return func(opts *Options) {
		opts.DispatchOptions = append(opts.DispatchOptions, dopts...)
	}
}

// WithAggregator replaces the default aggregator.
func WithAggregator(a *step.Aggregator) Option {
	return func(opts *Options) {
		opts.Aggregator = a
	}
}

// WithExplainer sets the explainer of the default aggregator.
func WithExplainer(e step.Explainer) Option {
	return func(opts *Options) {
		opts.Explainer = e
	}
}

// WithCheckpointSaver sets where checkpoints go. Defaults to memory.
func WithCheckpointSaver(s graph.CheckpointSaver) Option {
	return func(opts *Options) {
		opts.Saver = s
	}
}

// WithExecutorOptions forwards options to the graph executor.
func WithExecutorOptions(eopts ...graph.ExecutorOption) Option {
	return func(opts *Options) {
		opts.ExecutorOptions = append(opts.ExecutorOptions, eopts...)
	}
}

// WithMaxPlanRevisions caps how often feedback may revise the plan before
// the request is cancelled.
func WithMaxPlanRevisions(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.MaxPlanRevisions = n
		}
	}
}

// WithAgentTypes registers personas and the transfer tool to switch
// between them.
func WithAgentTypes(types ...AgentType) Option {
	return func(opts *Options) {
		opts.AgentTypes = append(opts.AgentTypes, types...)
	}
}

// WithGenerationConfig sets the sampling parameters of the acting node.
func WithGenerationConfig(cfg model.GenerationConfig) Option {
	return func(opts *Options) {
		opts.GenerationConfig = cfg
	}
}

// Agent owns the compiled graph and its executor.
type Agent struct {
	name             string
	model            model.Model
	registry         *tool.Registry
	planner          planner.Planner
	dispatcher       *dispatch.Dispatcher
	ownsDispatcher   bool
	aggregator       *step.Aggregator
	instruction      string
	agentTypes       map[string]AgentType
	maxPlanRevisions int
	genConfig        model.GenerationConfig
	graph            *graph.Graph
	executor         *graph.Executor
}

// New builds the agent graph around m and the tools in registry.
func New(name string, m model.Model, registry *tool.Registry, opts ...Option) (*Agent, error) {
	if m == nil {
		return nil, errors.New("agent: model is nil")
	}
	if registry == nil {
		return nil, errors.New("agent: tool registry is nil")
	}
	options := Options{MaxPlanRevisions: defaultMaxPlanRevisions}
	for _, opt := range opts {
		opt(&options)
	}
	a := &Agent{
		name:             name,
		model:            m,
		registry:         registry,
		planner:          options.Planner,
		dispatcher:       options.Dispatcher,
		aggregator:       options.Aggregator,
		instruction:      options.Instruction,
		agentTypes:       make(map[string]AgentType, len(options.AgentTypes)),
		maxPlanRevisions: options.MaxPlanRevisions,
		genConfig:        options.GenerationConfig,
	}
	if len(options.AgentTypes) > 0 {
		infos := make([]transfer.AgentInfo, 0, len(options.AgentTypes))
		for _, t := range options.AgentTypes {
			a.agentTypes[t.Name] = t
			infos = append(infos, transfer.AgentInfo{Name: t.Name, Description: t.Description})
		}
		if _, ok := registry.Lookup(transfer.TransferToolName); !ok {
			if err := registry.Register(transfer.New(infos)); err != nil {
				return nil, fmt.Errorf("agent: register transfer tool: %w", err)
			}
		}
	}
	if a.planner == nil {
		a.planner = planner.NewLLMPlanner(m)
	}
	if a.aggregator == nil {
		explainer := options.Explainer
		if explainer == nil {
			explainer = step.NewModelExplainer(m)
		}
		a.aggregator = step.NewAggregator(step.WithExplainer(explainer))
	}
	if a.dispatcher == nil {
		d, err := dispatch.New(registry, options.DispatchOptions...)
		if err != nil {
			return nil, fmt.Errorf("agent: create dispatcher: %w", err)
		}
		a.dispatcher = d
		a.ownsDispatcher = true
	}
	g, err := a.buildGraph()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("agent: build graph: %w", err)
	}
	saver := options.Saver
	if saver == nil {
		saver = inmemory.NewSaver()
	}
	exec, err := graph.NewExecutor(g, saver, options.ExecutorOptions...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("agent: create executor: %w", err)
	}
	a.graph = g
	a.executor = exec
	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Executor returns the executor that runs the agent graph.
func (a *Agent) Executor() *graph.Executor { return a.executor }

// Graph returns the compiled graph.
func (a *Agent) Graph() *graph.Graph { return a.graph }

// Close releases the dispatcher pool when the agent created it.
func (a *Agent) Close() {
	if a.ownsDispatcher && a.dispatcher != nil {
		a.dispatcher.Close()
	}
}

func (a *Agent) buildGraph() (*graph.Graph, error) {
	return graph.NewStateGraph().
		AddNode(NodeRouting, a.route, graph.WithDescription("Chooses between planning and acting")).
		AddNode(NodePlanning, a.plan, graph.WithDescription("Drafts or revises the plan")).
		AddNode(NodeAwaitingApproval, a.awaitApproval,
			graph.WithDescription("Applies the human decision"), graph.WithInterrupt()).
		AddNode(NodeActing, a.act, graph.WithDescription("Asks the model for the next turn")).
		AddNode(NodeDispatchingTools, a.dispatchTools, graph.WithDescription("Runs the requested tools")).
		AddNode(NodeAggregating, a.aggregate, graph.WithDescription("Folds tool results into steps")).
		AddNode(NodeDone, a.finish, graph.WithDescription("Finishes the run")).
		SetEntryPoint(NodeRouting).
		AddConditionalEdges(NodeRouting, routeByPlanning, map[string]string{
			NodePlanning: NodePlanning,
			NodeActing:   NodeActing,
		}).
		AddEdge(NodeDispatchingTools, NodeAggregating).
		AddEdge(NodeAggregating, NodeActing).
		SetFinishPoint(NodeDone).
		Compile()
}
