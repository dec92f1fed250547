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

var (
	// ErrThreadIDRequired is returned when a run is requested without a thread id.
	ErrThreadIDRequired = errors.New("thread_id is required")
	// ErrThreadNotFound is returned when a thread has no checkpoint.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrCheckpointNotFound is returned when a checkpoint id does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointConflict is returned when the thread head moved since it
	// was read.
	ErrCheckpointConflict = errors.New("checkpoint conflict")
	// ErrThreadBusy is returned when a run for the thread is already active.
	ErrThreadBusy = errors.New("thread is busy")
	// ErrNotAwaitingApproval is returned when a decision cannot be applied to
	// the thread's current position.
	ErrNotAwaitingApproval = errors.New("thread is not awaiting approval")
	// ErrInvalidDecision is returned for an unknown review action.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrMaxStepsExceeded is returned when a run executes too many nodes.
	ErrMaxStepsExceeded = errors.New("maximum execution steps exceeded")
)

// Error types carried by error events.
const (
	ErrorTypeNodeExecution   = "node_execution_error"
	ErrorTypeModelInvocation = "model_invocation_error"
	ErrorTypeCheckpointWrite = "checkpoint_write_error"
	ErrorTypeGraphExecution  = "graph_execution_error"
)

// CheckpointWriteError reports that the state produced by a node could not
// be persisted. The node's effect is discarded.
type CheckpointWriteError struct {
	Node  string
	Cause error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("write checkpoint after node %s: %v", e.Node, e.Cause)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Cause }

// ModelInvocationError reports a model failure inside a node.
type ModelInvocationError struct {
	Node  string
	Cause error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation failed in node %s: %v", e.Node, e.Cause)
}

func (e *ModelInvocationError) Unwrap() error { return e.Cause }

// errorType maps an error to the type reported on error events.
func errorType(err error) string {
	var cwe *CheckpointWriteError
	var mie *ModelInvocationError
	switch {
	case errors.As(err, &cwe):
		return ErrorTypeCheckpointWrite
	case errors.As(err, &mie):
		return ErrorTypeModelInvocation
	case errors.Is(err, ErrMaxStepsExceeded):
		return ErrorTypeGraphExecution
	default:
		return ErrorTypeNodeExecution
	}
}
