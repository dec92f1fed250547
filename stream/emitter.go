//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

var (
	// ErrStreamingUnsupported is returned when the response writer cannot flush.
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
	// ErrWriterClosed is returned by Emit after Close.
	ErrWriterClosed = errors.New("sse writer closed")
)

// Emitter delivers frames to a subscriber.
type Emitter interface {
	Emit(ctx context.Context, f Frame) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, f Frame) error

// Emit calls fn.
func (fn EmitterFunc) Emit(ctx context.Context, f Frame) error {
	return fn(ctx, f)
}

// Discard drops every frame.
var Discard Emitter = EmitterFunc(func(context.Context, Frame) error { return nil })

// SSEWriter writes frames to an HTTP response as server-sent events.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewSSEWriter sets the event-stream headers on w.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Emit writes f and flushes it.
func (s *SSEWriter) Emit(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := f.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrWriterClosed
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close detaches the writer from the response. It waits for an in-flight
// Emit, so the response may be released once Close returns.
func (s *SSEWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
