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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
	itelemetry "trpc.group/trpc-go/trpc-dbagent-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
	"trpc.group/trpc-go/trpc-dbagent-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-dbagent-go/telemetry/trace"
)

const (
	// AuthorGraphExecutor is the author of events the executor emits itself.
	AuthorGraphExecutor = "graph-executor"

	inputNodeID = "__input__"

	defaultChannelBufferSize = 256
	defaultMaxSteps          = 50
)

// Result is the outcome of a run that reached an interrupt or the end.
type Result = event.Final

// StartRequest begins a new request on a thread.
type StartRequest struct {
	Query        string
	UsePlanning  bool
	UseExplainer bool
	AgentType    string
}

// Snapshot is a read-only view of a thread head.
type Snapshot struct {
	Status       string    `json:"status"`
	NextNodes    []string  `json:"next_nodes"`
	Plan         string    `json:"plan"`
	StepCount    int       `json:"step_count"`
	CheckpointID string    `json:"checkpoint_id"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Executor runs threads through a graph and persists every transition.
type Executor struct {
	graph             *Graph
	saver             CheckpointSaver
	channelBufferSize int
	maxSteps          int
	busy              sync.Map
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions holds executor settings.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size of event channels (default: 256).
	ChannelBufferSize int
	// MaxSteps bounds node executions per run (default: 50).
	MaxSteps int
}

// WithChannelBufferSize sets the event channel buffer size.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		if size > 0 {
			opts.ChannelBufferSize = size
		}
	}
}

// WithMaxSteps sets the node execution limit per run.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		if maxSteps > 0 {
			opts.MaxSteps = maxSteps
		}
	}
}

// NewExecutor creates an executor for graph backed by saver.
func NewExecutor(graph *Graph, saver CheckpointSaver, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	if err := graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if saver == nil {
		return nil, errors.New("checkpoint saver is nil")
	}
	options := ExecutorOptions{
		ChannelBufferSize: defaultChannelBufferSize,
		MaxSteps:          defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Executor{
		graph:             graph,
		saver:             saver,
		channelBufferSize: options.ChannelBufferSize,
		maxSteps:          options.MaxSteps,
	}, nil
}

// RunOption configures one run.
type RunOption func(*runOptions)

type runOptions struct {
	runID string
}

// WithRunID sets the run id stamped on every event.
func WithRunID(id string) RunOption {
	return func(o *runOptions) {
		o.runID = id
	}
}

// ExecuteStart begins a request on threadID and streams its events. The
// channel closes after the terminal event.
func (e *Executor) ExecuteStart(ctx context.Context, threadID string, req StartRequest,
	opts ...RunOption) (<-chan *event.Event, error) {
	r, err := e.prepareStart(ctx, threadID, req, opts)
	if err != nil {
		return nil, err
	}
	return e.stream(ctx, r), nil
}

// ExecuteResume applies a decision to threadID and streams the events of the
// continued run.
func (e *Executor) ExecuteResume(ctx context.Context, threadID string, d Decision,
	opts ...RunOption) (<-chan *event.Event, error) {
	r, err := e.prepareResume(ctx, threadID, d, opts)
	if err != nil {
		return nil, err
	}
	return e.stream(ctx, r), nil
}

// Start is ExecuteStart that waits for the run to halt.
func (e *Executor) Start(ctx context.Context, threadID string, req StartRequest, opts ...RunOption) (*Result, error) {
	r, err := e.prepareStart(ctx, threadID, req, opts)
	if err != nil {
		return nil, err
	}
	return e.drain(ctx, r)
}

// Resume is ExecuteResume that waits for the run to halt.
func (e *Executor) Resume(ctx context.Context, threadID string, d Decision, opts ...RunOption) (*Result, error) {
	r, err := e.prepareResume(ctx, threadID, d, opts)
	if err != nil {
		return nil, err
	}
	return e.drain(ctx, r)
}

// State returns a snapshot of the thread head.
func (e *Executor) State(ctx context.Context, threadID string) (*Snapshot, error) {
	head, err := e.head(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Status:       e.statusOf(head),
		NextNodes:    append([]string{}, head.NextNodes...),
		Plan:         head.State.Plan,
		StepCount:    len(head.State.Steps),
		CheckpointID: head.ID,
		Error:        head.State.Error,
		UpdatedAt:    head.CreatedAt,
	}, nil
}

// Checkpoint returns the thread head.
func (e *Executor) Checkpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	return e.head(ctx, threadID)
}

// LatestResult rebuilds the result of the last run from the thread head.
func (e *Executor) LatestResult(ctx context.Context, threadID string) (*Result, error) {
	head, err := e.head(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return e.final(head), nil
}

// History lists up to limit checkpoints of a thread, newest first.
func (e *Executor) History(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	cps, err := e.saver.List(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		return nil, ErrThreadNotFound
	}
	return cps, nil
}

func (e *Executor) head(ctx context.Context, threadID string) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	head, err := e.saver.Get(ctx, threadID, "")
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if head == nil {
		return nil, ErrThreadNotFound
	}
	return head, nil
}

func (e *Executor) acquire(threadID string) (func(), error) {
	if _, loaded := e.busy.LoadOrStore(threadID, struct{}{}); loaded {
		return nil, ErrThreadBusy
	}
	var once sync.Once
	return func() { once.Do(func() { e.busy.Delete(threadID) }) }, nil
}

func (e *Executor) isBusy(threadID string) bool {
	_, ok := e.busy.Load(threadID)
	return ok
}

// run is the mutable cursor of one execution. It is confined to the run
// goroutine.
type run struct {
	e          *Executor
	threadID   string
	runID      string
	head       *Checkpoint
	state      State
	next       string
	decision   *Decision
	cancelOnly bool
	source     string
	release    func()
	seq        int64
}

func newRunOptions(opts []RunOption) runOptions {
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.New().String()
	}
	return o
}

func (e *Executor) prepareStart(ctx context.Context, threadID string, req StartRequest, opts []RunOption) (*run, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	release, err := e.acquire(threadID)
	if err != nil {
		return nil, err
	}
	prev, err := e.saver.Get(ctx, threadID, "")
	if err != nil {
		release()
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	state := State{
		ThreadID:     threadID,
		Query:        req.Query,
		UsePlanning:  req.UsePlanning,
		UseExplainer: req.UseExplainer,
		AgentType:    req.AgentType,
	}
	var parentID string
	stepNo := 0
	if prev != nil {
		parentID = prev.ID
		stepNo = prev.Step + 1
		state.Messages = append(state.Messages, prev.State.Messages...)
		state.StepCounter = prev.State.StepCounter
		if state.AgentType == "" {
			state.AgentType = prev.State.AgentType
		}
	}
	input := Delta{Messages: []model.Message{model.NewUserMessage(req.Query)}}
	state = Merge(state, input)

	entry := e.graph.EntryPoint()
	cp := NewCheckpoint(threadID, parentID, state, []string{entry})
	cp.Source = CheckpointSourceInput
	cp.NodeID = inputNodeID
	cp.Step = stepNo
	if err := e.put(ctx, cp, parentID, inputNodeID, input, 0); err != nil {
		release()
		return nil, &CheckpointWriteError{Node: inputNodeID, Cause: err}
	}
	o := newRunOptions(opts)
	return &run{
		e:        e,
		threadID: threadID,
		runID:    o.runID,
		head:     cp,
		state:    cp.State.Clone(),
		next:     entry,
		source:   CheckpointSourceLoop,
		release:  release,
	}, nil
}

func (e *Executor) prepareResume(ctx context.Context, threadID string, d Decision, opts []RunOption) (*run, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	release, err := e.acquire(threadID)
	if err != nil {
		return nil, err
	}
	r, err := e.resumeCursor(ctx, threadID, d)
	if err != nil {
		release()
		return nil, err
	}
	r.runID = newRunOptions(opts).runID
	r.release = release
	return r, nil
}

func (e *Executor) resumeCursor(ctx context.Context, threadID string, d Decision) (*run, error) {
	head, err := e.saver.Get(ctx, threadID, "")
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if head == nil {
		return nil, ErrThreadNotFound
	}
	if d.CheckpointID != "" && d.CheckpointID != head.ID {
		if cp, err := e.saver.Get(ctx, threadID, d.CheckpointID); err == nil && cp == nil {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, d.CheckpointID)
		}
		return nil, fmt.Errorf("%w: head is %s", ErrCheckpointConflict, head.ID)
	}
	next := head.Next()
	if next == "" {
		return nil, ErrNotAwaitingApproval
	}
	r := &run{
		e:        e,
		threadID: threadID,
		head:     head,
		state:    head.State.Clone(),
		next:     next,
		source:   CheckpointSourceResume,
	}
	switch {
	case e.graph.IsInterrupt(next):
		dc := d
		r.decision = &dc
	case d.Action == StatusApproved:
		// Re-run the pending node.
	case d.Action == StatusCancelled:
		r.cancelOnly = true
	default:
		return nil, ErrNotAwaitingApproval
	}
	return r, nil
}

func (e *Executor) stream(ctx context.Context, r *run) <-chan *event.Event {
	out := make(chan *event.Event, e.channelBufferSize)
	go func() {
		defer close(out)
		if err := r.execute(ctx, out); err != nil {
			log.Errorf("graph: thread %s run %s failed: %v", r.threadID, r.runID, err)
		}
	}()
	return out
}

func (e *Executor) drain(ctx context.Context, r *run) (*Result, error) {
	out := make(chan *event.Event, e.channelBufferSize)
	var runErr error
	go func() {
		defer close(out)
		runErr = r.execute(ctx, out)
	}()
	var final *event.Final
	for evt := range out {
		if evt.Final != nil {
			final = evt.Final
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	if final == nil {
		return nil, errors.New("run ended without a result")
	}
	return final, nil
}

func (r *run) execute(ctx context.Context, out chan<- *event.Event) error {
	defer r.release()
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameExecuteGraph)
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyThreadID, r.threadID),
		attribute.String(itelemetry.KeyRunID, r.runID),
	)

	if r.cancelOnly {
		return r.cancel(ctx, out)
	}
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			r.emitError(ctx, out, err)
			return err
		}
		if r.next == "" || r.next == End {
			r.emit(ctx, out, event.NewFinalEvent(r.runID, AuthorGraphExecutor, event.ObjectTypeDone, r.e.final(r.head)))
			return nil
		}
		if r.e.graph.IsInterrupt(r.next) && r.decision == nil {
			log.Debugf("graph: thread %s paused before %s", r.threadID, r.next)
			r.emit(ctx, out, event.NewFinalEvent(r.runID, r.next, event.ObjectTypeInterrupt, r.e.final(r.head)))
			return nil
		}
		steps++
		if steps > r.e.maxSteps {
			err := fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, r.e.maxSteps)
			r.recordError(ctx, r.next, err)
			r.emitError(ctx, out, err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if err := r.executeNode(ctx, out, r.next); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
}

func (r *run) executeNode(ctx context.Context, out chan<- *event.Event, nodeID string) error {
	node, ok := r.e.graph.Node(nodeID)
	if !ok {
		err := fmt.Errorf("node %s not found", nodeID)
		r.emitError(ctx, out, err)
		return err
	}
	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("%s %s", itelemetry.SpanNamePrefixExecuteNode, nodeID))
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyNodeID, nodeID),
		attribute.String(itelemetry.KeyThreadID, r.threadID),
		attribute.String(itelemetry.KeyRunID, r.runID),
		attribute.String(itelemetry.KeyCheckpointID, r.head.ID),
	)
	log.Debugf("graph: thread %s executing node %s", r.threadID, nodeID)
	r.emit(ctx, out, event.New(r.runID, nodeID, event.WithObject(event.ObjectTypeNodeStart)))

	ec := &ExecutionContext{
		ThreadID:     r.threadID,
		RunID:        r.runID,
		NodeID:       nodeID,
		CheckpointID: r.head.ID,
		State:        r.state.Clone(),
		events:       out,
	}
	if node.Interrupt {
		ec.Decision = r.decision
		r.decision = nil
	}
	cmd, err := node.Function(ctx, ec)
	if err == nil && cmd == nil {
		cmd = &Command{}
	}
	var nextState State
	var to string
	if err == nil {
		nextState = Merge(r.state, cmd.Update)
		nextState.Error = ""
		to = cmd.GoTo
		if to == "" {
			to, err = r.e.graph.next(ctx, nodeID, nextState)
		}
	}
	if err != nil {
		metric.RecordNodeExecution(ctx, nodeID, metric.OutcomeError)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
		log.Errorf("graph: thread %s node %s failed: %v", r.threadID, nodeID, err)
		r.recordError(ctx, nodeID, err)
		r.emitError(ctx, out, err)
		return err
	}

	var next []string
	if to != End {
		next = []string{to}
	}
	cp := NewCheckpoint(r.threadID, r.head.ID, nextState, next)
	cp.NodeID = nodeID
	cp.Step = r.head.Step + 1
	cp.Source = r.source
	if err := r.e.put(ctx, cp, r.head.ID, nodeID, cmd.Update, r.nextSeq()); err != nil {
		cwe := &CheckpointWriteError{Node: nodeID, Cause: err}
		metric.RecordNodeExecution(ctx, nodeID, metric.OutcomeError)
		span.SetStatus(codes.Error, cwe.Error())
		log.Errorf("graph: thread %s: %v", r.threadID, cwe)
		r.emitError(ctx, out, cwe)
		return cwe
	}
	metric.RecordNodeExecution(ctx, nodeID, metric.OutcomeSuccess)
	span.SetAttributes(attribute.String(itelemetry.KeyNextNode, to))
	r.head = cp
	r.state = cp.State.Clone()
	r.next = to
	r.source = CheckpointSourceLoop
	complete := event.New(r.runID, nodeID, event.WithObject(event.ObjectTypeNodeComplete))
	r.emit(ctx, out, complete)
	return nil
}

// cancel finishes a thread that was interrupted mid-run.
func (r *run) cancel(ctx context.Context, out chan<- *event.Event) error {
	delta := Delta{Status: Ptr(StatusCancelled), ClearToolCalls: true, ClearResults: true}
	state := Merge(r.state, delta)
	state.Error = ""
	cp := NewCheckpoint(r.threadID, r.head.ID, state, nil)
	cp.NodeID = r.head.Next()
	cp.Step = r.head.Step + 1
	cp.Source = CheckpointSourceResume
	if err := r.e.put(ctx, cp, r.head.ID, cp.NodeID, delta, r.nextSeq()); err != nil {
		cwe := &CheckpointWriteError{Node: cp.NodeID, Cause: err}
		r.emitError(ctx, out, cwe)
		return cwe
	}
	r.head = cp
	r.emit(ctx, out, event.NewFinalEvent(r.runID, AuthorGraphExecutor, event.ObjectTypeDone, r.e.final(cp)))
	return nil
}

// recordError persists the failure of nodeID so the thread stays resumable at
// the same node.
func (r *run) recordError(ctx context.Context, nodeID string, cause error) {
	state := r.state.Clone()
	state.Error = cause.Error()
	cp := NewCheckpoint(r.threadID, r.head.ID, state, []string{nodeID})
	cp.NodeID = nodeID
	cp.Step = r.head.Step + 1
	cp.Source = CheckpointSourceError
	if err := r.e.put(ctx, cp, r.head.ID, nodeID, Delta{}, r.nextSeq()); err != nil {
		log.Errorf("graph: thread %s: record failure of node %s: %v", r.threadID, nodeID, err)
		return
	}
	r.head = cp
}

func (r *run) nextSeq() int64 {
	r.seq++
	return r.seq
}

func (r *run) emit(ctx context.Context, out chan<- *event.Event, e *event.Event) {
	if e.InvocationID == "" {
		e.InvocationID = r.runID
	}
	if e.ThreadID == "" {
		e.ThreadID = r.threadID
	}
	select {
	case out <- e:
	case <-ctx.Done():
	}
}

func (r *run) emitError(ctx context.Context, out chan<- *event.Event, err error) {
	evt := event.NewErrorEvent(r.runID, AuthorGraphExecutor, errorType(err), err.Error())
	if r.head != nil {
		evt.Final = r.e.final(r.head)
		evt.Final.Status = event.StatusError
		evt.Final.Error = err.Error()
	}
	// The terminal event is delivered even when ctx is already cancelled.
	r.emit(context.WithoutCancel(ctx), out, evt)
}

func (e *Executor) put(ctx context.Context, cp *Checkpoint, expectedHead, nodeID string, delta Delta, seq int64) error {
	raw, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	err = e.saver.Put(ctx, PutRequest{
		Checkpoint:   cp,
		ExpectedHead: expectedHead,
		Writes: []Write{{
			CheckpointID: cp.ID,
			NodeID:       nodeID,
			Delta:        raw,
			Seq:          seq,
			CreatedAt:    cp.CreatedAt,
		}},
	})
	if err != nil {
		metric.RecordCheckpointWrite(ctx, metric.OutcomeError)
		return err
	}
	metric.RecordCheckpointWrite(ctx, metric.OutcomeSuccess)
	return nil
}

func (e *Executor) statusOf(cp *Checkpoint) string {
	next := cp.Next()
	switch {
	case cp.State.Error != "":
		return event.StatusError
	case next == "" && cp.State.Status == StatusCancelled:
		return event.StatusCancelled
	case next == "":
		return event.StatusDone
	case e.graph.IsInterrupt(next):
		return event.StatusAwaitingApproval
	case e.isBusy(cp.ThreadID):
		return event.StatusRunning
	default:
		return event.StatusInterrupted
	}
}

func (e *Executor) final(cp *Checkpoint) *event.Final {
	status := e.statusOf(cp)
	return &event.Final{
		ThreadID:       cp.ThreadID,
		CheckpointID:   cp.ID,
		Status:         status,
		NextNodes:      append([]string{}, cp.NextNodes...),
		Plan:           cp.State.Plan,
		Answer:         cp.State.Answer,
		Steps:          append(make([]step.Step, 0, len(cp.State.Steps)), cp.State.Steps...),
		Visualizations: append([]json.RawMessage(nil), cp.State.Visualizations...),
		NeedsApproval:  status == event.StatusAwaitingApproval,
		Error:          cp.State.Error,
	}
}
