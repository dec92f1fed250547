//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package api

import (
	"errors"
	"sync"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
)

var (
	errStreamAttached = errors.New("a subscriber is already attached to this thread")
	errNoPendingRun   = errors.New("no pending run for thread")
)

// pendingRun is a start or resume accepted but not yet executed.
type pendingRun struct {
	kind      string
	runID     string
	messageID string
	start     graph.StartRequest
	decision  graph.Decision
	echo      any
}

// runRegistry tracks accepted runs until their stream is subscribed, and the
// streams currently attached. At most one subscriber streams a thread.
type runRegistry struct {
	mu          sync.Mutex
	pending     map[string]*pendingRun
	active      map[string]struct{}
	lastMessage map[string]string
}

func newRunRegistry() *runRegistry {
	return &runRegistry{
		pending:     make(map[string]*pendingRun),
		active:      make(map[string]struct{}),
		lastMessage: make(map[string]string),
	}
}

// submit queues run for threadID. A newer submission replaces one that was
// never subscribed.
func (r *runRegistry) submit(threadID string, run *pendingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[threadID]; ok {
		return graph.ErrThreadBusy
	}
	r.pending[threadID] = run
	return nil
}

// attach claims the pending run of threadID for one subscriber.
func (r *runRegistry) attach(threadID string) (*pendingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[threadID]; ok {
		return nil, errStreamAttached
	}
	run, ok := r.pending[threadID]
	if !ok {
		return nil, errNoPendingRun
	}
	delete(r.pending, threadID)
	r.active[threadID] = struct{}{}
	return run, nil
}

// detach ends the stream of threadID. messageID, when set, becomes the
// thread's latest assistant message.
func (r *runRegistry) detach(threadID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, threadID)
	if messageID != "" {
		r.lastMessage[threadID] = messageID
	}
}

func (r *runRegistry) streaming(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[threadID]
	return ok
}

func (r *runRegistry) messageID(threadID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMessage[threadID]
}
