//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package api exposes the agent over HTTP: start and resume requests, the
// server-sent run stream and read-only thread inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/message"
	"trpc.group/trpc-go/trpc-dbagent-go/message/inmemory"
)

var errInvalidRequest = errors.New("invalid request")

// Executor runs and inspects threads. *graph.Executor implements it.
type Executor interface {
	ExecuteStart(ctx context.Context, threadID string, req graph.StartRequest,
		opts ...graph.RunOption) (<-chan *event.Event, error)
	ExecuteResume(ctx context.Context, threadID string, d graph.Decision,
		opts ...graph.RunOption) (<-chan *event.Event, error)
	State(ctx context.Context, threadID string) (*graph.Snapshot, error)
	Checkpoint(ctx context.Context, threadID string) (*graph.Checkpoint, error)
	LatestResult(ctx context.Context, threadID string) (*graph.Result, error)
	History(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error)
}

// Server serves the agent API.
type Server struct {
	executor Executor
	store    message.Store
	router   *mux.Router
	handler  http.Handler
	runs     *runRegistry
	metrics  *Metrics
	registry *prometheus.Registry

	corsOrigins       []string
	pathPrefix        string
	maxProtocolErrors int

	wg sync.WaitGroup
}

// Option configures the Server.
type Option func(*Server)

// WithMessageStore sets where user and assistant messages are persisted. An
// in-memory store is used otherwise.
func WithMessageStore(s message.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithCORSOrigins sets the allowed origins. Defaults to "*".
func WithCORSOrigins(origins ...string) Option {
	return func(srv *Server) { srv.corsOrigins = origins }
}

// WithPathPrefix mounts every route under prefix.
func WithPathPrefix(prefix string) Option {
	return func(srv *Server) { srv.pathPrefix = prefix }
}

// WithPrometheusRegistry registers the API collectors with reg and serves it
// on /metrics. A private registry with Go and process collectors is used
// otherwise.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(srv *Server) { srv.registry = reg }
}

// WithMaxProtocolErrors is passed to every stream translator.
func WithMaxProtocolErrors(n int) Option {
	return func(srv *Server) { srv.maxProtocolErrors = n }
}

// New creates a Server over executor.
func New(executor Executor, opts ...Option) *Server {
	s := &Server{
		executor:    executor,
		router:      mux.NewRouter(),
		runs:        newRunRegistry(),
		corsOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = inmemory.NewStore()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = NewMetrics(s.registry)
	s.registerRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.handler = c.Handler(s.router)
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.handler }

// Wait blocks until every run started by a stream request has finished.
// Runs outlive their subscriber, so call it before closing the stores.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) registerRoutes() {
	r := s.router
	if s.pathPrefix != "" {
		r = s.router.PathPrefix(s.pathPrefix).Subrouter()
	}
	r.Use(s.metrics.middleware)

	r.HandleFunc("/threads/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/threads/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/result/{id}", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("api: encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Errorf("api: %v", err)
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrThreadNotFound),
		errors.Is(err, graph.ErrCheckpointNotFound),
		errors.Is(err, message.ErrMessageNotFound),
		errors.Is(err, errNoPendingRun):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrThreadBusy),
		errors.Is(err, graph.ErrCheckpointConflict),
		errors.Is(err, graph.ErrNotAwaitingApproval),
		errors.Is(err, errStreamAttached):
		return http.StatusConflict
	case errors.Is(err, graph.ErrInvalidDecision),
		errors.Is(err, graph.ErrThreadIDRequired),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
