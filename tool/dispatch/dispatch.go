//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package dispatch runs the tool invocations of one assistant turn
// concurrently and returns their results in submission order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	itelemetry "trpc.group/trpc-go/trpc-dbagent-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
	"trpc.group/trpc-go/trpc-dbagent-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-dbagent-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-dbagent-go/tool"
)

const (
	defaultConcurrency = 8
	defaultTimeout     = 60 * time.Second
)

// Invocation is one tool call requested by the model.
type Invocation struct {
	ID        string
	Name      string
	Arguments string
}

// Hook observes every finished invocation. It is called from worker
// goroutines and must be safe for concurrent use.
type Hook func(inv Invocation, res step.Result)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency caps the number of tools running at the same time.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithTimeout bounds each invocation.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithHook registers a completion hook.
func WithHook(h Hook) Option {
	return func(d *Dispatcher) {
		d.hooks = append(d.hooks, h)
	}
}

// Dispatcher executes tool invocations against a registry.
type Dispatcher struct {
	registry    *tool.Registry
	concurrency int
	timeout     time.Duration
	hooks       []Hook
	pool        *ants.Pool
	now         func() time.Time
}

// New creates a Dispatcher backed by an ants goroutine pool.
func New(registry *tool.Registry, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	d := &Dispatcher{
		registry:    registry,
		concurrency: defaultConcurrency,
		timeout:     defaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	pool, err := ants.NewPool(d.concurrency)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Close releases the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// Timeout returns the per-invocation bound.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Dispatch runs every invocation and blocks until all of them have finished
// or timed out. The returned slice is in submission order. Tool failures
// become "Error: ..." outputs; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, stepID int, invocations []Invocation) []step.Result {
	results := make([]step.Result, len(invocations))
	var wg sync.WaitGroup
	for i, inv := range invocations {
		wg.Add(1)
		index, inv := i, inv
		task := func() {
			defer wg.Done()
			results[index] = d.invoke(ctx, stepID, index, inv)
		}
		if err := d.pool.Submit(task); err != nil {
			log.Errorf("dispatch: submit %s: %v", inv.Name, err)
			now := d.now()
			results[index] = d.result(stepID, index, inv, now, step.ErrorPrefix+" "+err.Error())
			wg.Done()
		}
	}
	wg.Wait()
	return results
}

type outcome struct {
	output any
	err    error
	panic  any
}

func (d *Dispatcher) invoke(ctx context.Context, stepID, index int, inv Invocation) step.Result {
	start := d.now()
	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("%s %s", itelemetry.SpanNamePrefixExecuteTool, inv.Name))
	defer span.End()

	res := d.run(ctx, stepID, index, inv, start)
	itelemetry.TraceToolCall(span, inv.Name, inv.ID, inv.Arguments, res.Output, stepID)
	status := metric.OutcomeSuccess
	if res.IsError() {
		status = res.outcome()
		span.SetStatus(codes.Error, res.Output)
		span.SetAttributes(attribute.String(itelemetry.KeyError, res.Output))
		log.Errorf("tool %s (%s) failed: %s", inv.Name, inv.ID, res.Output)
	}
	metric.RecordToolInvocation(ctx, inv.Name, status, res.CompletedAt.Sub(start))
	for _, h := range d.hooks {
		h(inv, res.Result)
	}
	return res.Result
}

type taggedResult struct {
	step.Result
	kind string
}

func (r taggedResult) outcome() string {
	if r.kind != "" {
		return r.kind
	}
	return metric.OutcomeError
}

func (d *Dispatcher) run(ctx context.Context, stepID, index int, inv Invocation, start time.Time) taggedResult {
	t, ok := d.registry.Lookup(inv.Name)
	if !ok {
		return taggedResult{Result: d.result(stepID, index, inv, start,
			fmt.Sprintf("%s tool %s not found", step.ErrorPrefix, inv.Name))}
	}
	if err := d.registry.Validate(inv.Name, []byte(inv.Arguments)); err != nil {
		var verr *tool.ValidationError
		msg := err.Error()
		if errors.As(err, &verr) {
			msg = verr.Cause.Error()
		}
		return taggedResult{Result: d.result(stepID, index, inv, start,
			fmt.Sprintf("%s invalid arguments: %s", step.ErrorPrefix, msg))}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("tool %s panicked: %v\n%s", inv.Name, r, debug.Stack())
				done <- outcome{panic: r}
			}
		}()
		out, err := t.Call(callCtx, []byte(inv.Arguments))
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		switch {
		case o.panic != nil:
			return taggedResult{
				Result: d.result(stepID, index, inv, start, fmt.Sprintf("%s tool panicked: %v", step.ErrorPrefix, o.panic)),
				kind:   metric.OutcomePanic,
			}
		case o.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return d.timedOut(stepID, index, inv, start)
		case o.err != nil:
			return taggedResult{Result: d.result(stepID, index, inv, start, step.ErrorPrefix+" "+o.err.Error())}
		}
		output, visuals, err := encodeOutput(o.output)
		if err != nil {
			return taggedResult{Result: d.result(stepID, index, inv, start,
				fmt.Sprintf("%s encode result: %v", step.ErrorPrefix, err))}
		}
		res := d.result(stepID, index, inv, start, output)
		res.Visualizations = visuals
		return taggedResult{Result: res}
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return d.timedOut(stepID, index, inv, start)
		}
		return taggedResult{Result: d.result(stepID, index, inv, start, step.ErrorPrefix+" "+callCtx.Err().Error())}
	}
}

func (d *Dispatcher) timedOut(stepID, index int, inv Invocation, start time.Time) taggedResult {
	return taggedResult{
		Result: d.result(stepID, index, inv, start, fmt.Sprintf("%s tool timed out after %s", step.ErrorPrefix, d.timeout)),
		kind:   metric.OutcomeTimeout,
	}
}

func (d *Dispatcher) result(stepID, index int, inv Invocation, start time.Time, output string) step.Result {
	return step.Result{
		InvocationID: inv.ID,
		ToolName:     inv.Name,
		Arguments:    inv.Arguments,
		Output:       output,
		StepID:       stepID,
		Sequence:     index,
		StartedAt:    start,
		CompletedAt:  d.now(),
	}
}

// encodeOutput renders a tool result as transcript text. Strings pass
// through; everything else is JSON encoded.
func encodeOutput(v any) (string, []json.RawMessage, error) {
	var visuals []json.RawMessage
	switch r := v.(type) {
	case tool.VisualResult:
		for _, vis := range r.Visualizations {
			b, err := json.Marshal(vis)
			if err != nil {
				return "", nil, err
			}
			visuals = append(visuals, b)
		}
		v = r.Output
	case *tool.VisualResult:
		if r != nil {
			return encodeOutput(*r)
		}
		v = nil
	}
	switch s := v.(type) {
	case string:
		return s, visuals, nil
	case []byte:
		return string(s), visuals, nil
	case nil:
		return "", visuals, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return string(b), visuals, nil
}
