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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/message"
	"trpc.group/trpc-go/trpc-dbagent-go/stream"
)

const (
	defaultHistoryLimit  = 20
	defaultMessagesLimit = 50
	approvalScanLimit    = 50
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.HumanRequest) == "" {
		s.writeError(w, fmt.Errorf("%w: human_request is required", errInvalidRequest))
		return
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	run := &pendingRun{
		kind:      stream.EventStart,
		runID:     uuid.New().String(),
		messageID: uuid.New().String(),
		start: graph.StartRequest{
			Query:        req.HumanRequest,
			UsePlanning:  boolOr(req.UsePlanning, true),
			UseExplainer: boolOr(req.UseExplainer, true),
			AgentType:    req.AgentType,
		},
	}
	run.echo = startEcho{
		ThreadID:           threadID,
		HumanRequest:       req.HumanRequest,
		UsePlanning:        run.start.UsePlanning,
		UseExplainer:       run.start.UseExplainer,
		AgentType:          req.AgentType,
		AssistantMessageID: run.messageID,
	}
	if err := s.runs.submit(threadID, run); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.SaveUserMessage(r.Context(), threadID, req.HumanRequest, false); err != nil {
		log.Errorf("api: thread %s: save user message: %v", threadID, err)
	}
	log.Infof("api: thread %s: start accepted (run %s)", threadID, run.runID)
	s.writeJSON(w, http.StatusOK, RunResponse{
		ThreadID:           threadID,
		RunStatus:          runStatusPending,
		AssistantMessageID: run.messageID,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ThreadID == "" {
		s.writeError(w, graph.ErrThreadIDRequired)
		return
	}
	d := graph.Decision{Action: req.ReviewAction, Comment: req.HumanComment, CheckpointID: req.CheckpointID}
	if err := d.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.executor.State(r.Context(), req.ThreadID); err != nil {
		s.writeError(w, err)
		return
	}
	run := &pendingRun{
		kind:      stream.EventResume,
		runID:     uuid.New().String(),
		messageID: uuid.New().String(),
		decision:  d,
	}
	run.echo = resumeEcho{
		ThreadID:           req.ThreadID,
		ReviewAction:       req.ReviewAction,
		HumanComment:       req.HumanComment,
		AssistantMessageID: run.messageID,
	}
	if err := s.runs.submit(req.ThreadID, run); err != nil {
		s.writeError(w, err)
		return
	}
	log.Infof("api: thread %s: resume %s accepted (run %s)", req.ThreadID, d.Action, run.runID)
	s.writeJSON(w, http.StatusOK, RunResponse{
		ThreadID:           req.ThreadID,
		RunStatus:          runStatusPending,
		AssistantMessageID: run.messageID,
	})
}

// recordDecision marks the blocks awaiting approval with the decision and
// stores the reviewer's comment. It runs once the executor accepted the resume
// and before the translator saves the new run's message.
func (s *Server) recordDecision(ctx context.Context, threadID string, d graph.Decision) {
	status := message.StatusRejected
	if d.Action == graph.StatusApproved {
		status = message.StatusApproved
	}
	msgs, err := s.store.ListMessages(ctx, threadID, approvalScanLimit)
	if err != nil {
		log.Errorf("api: thread %s: list messages: %v", threadID, err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != message.RoleAssistant || !m.NeedsApproval {
			continue
		}
		updated := false
		for _, b := range m.Blocks {
			if !b.NeedsApproval {
				continue
			}
			err := s.store.UpdateBlockStatus(ctx, threadID, m.ID, b.ID, message.BlockUpdate{
				MessageStatus: status,
				NeedsApproval: graph.Ptr(false),
			})
			if err != nil {
				log.Errorf("api: thread %s: update block %s: %v", threadID, b.ID, err)
				continue
			}
			updated = true
		}
		if updated {
			break
		}
	}
	if d.Comment == "" {
		return
	}
	if _, err := s.store.SaveUserMessage(ctx, threadID, d.Comment, d.Action == graph.StatusFeedback); err != nil {
		log.Errorf("api: thread %s: save comment: %v", threadID, err)
	}
}

// handleStream executes the pending run of a thread and streams it. The run
// is detached from the request: a disconnect stops the stream but the run
// completes and persists its message.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	run, err := s.runs.attach(threadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		s.runs.detach(threadID, "")
		s.writeError(w, err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	events, err := s.execute(ctx, threadID, run)
	if err != nil {
		s.runs.detach(threadID, "")
		s.writeError(w, err)
		return
	}
	if run.kind == stream.EventResume {
		s.recordDecision(ctx, threadID, run.decision)
	}

	opts := []stream.Option{stream.WithStore(s.store), stream.WithMessageID(run.messageID)}
	if s.maxProtocolErrors > 0 {
		opts = append(opts, stream.WithMaxProtocolErrors(s.maxProtocolErrors))
	}
	tr := stream.New(threadID, run.runID, sse, opts...)
	tr.Begin(ctx, run.kind, run.echo)

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer s.runs.detach(threadID, run.messageID)
		res := tr.Run(ctx, events)
		log.Infof("api: thread %s: run %s finished with status %s", threadID, run.runID, res.Status)
	}()

	select {
	case <-done:
	case <-r.Context().Done():
		log.Infof("api: thread %s: subscriber disconnected, run %s continues", threadID, run.runID)
		tr.SetEmitter(stream.Discard)
		sse.Close()
	}
}

func (s *Server) execute(ctx context.Context, threadID string, run *pendingRun) (<-chan *event.Event, error) {
	opt := graph.WithRunID(run.runID)
	if run.kind == stream.EventResume {
		return s.executor.ExecuteResume(ctx, threadID, run.decision, opt)
	}
	return s.executor.ExecuteStart(ctx, threadID, run.start, opt)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	final, err := s.executor.LatestResult(r.Context(), threadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stream.NewCompleted(final, s.messageIDFor(r.Context(), threadID)))
}

// messageIDFor returns the latest assistant message of a thread.
func (s *Server) messageIDFor(ctx context.Context, threadID string) string {
	if id := s.runs.messageID(threadID); id != "" {
		return id
	}
	msgs, err := s.store.ListMessages(ctx, threadID, approvalScanLimit)
	if err != nil {
		log.Warnf("api: thread %s: list messages: %v", threadID, err)
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleAssistant {
			return msgs[i].ID
		}
	}
	return ""
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.executor.State(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:    snap.Status,
		NextNodes: snap.NextNodes,
		Plan:      snap.Plan,
		StepCount: snap.StepCount,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	cp, err := s.executor.Checkpoint(r.Context(), threadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.executor.State(r.Context(), threadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StateResponse{
		CheckpointID: cp.ID,
		NextNodes:    cp.NextNodes,
		Status:       snap.Status,
		State:        cp.State,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cps, err := s.executor.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]HistoryEntry, 0, len(cps))
	for _, cp := range cps {
		out = append(out, HistoryEntry{
			CheckpointID: cp.ID,
			ParentID:     cp.ParentID,
			NodeID:       cp.NodeID,
			Step:         cp.Step,
			Source:       cp.Source,
			NextNodes:    cp.NextNodes,
			StepCount:    len(cp.State.Steps),
			CreatedAt:    cp.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultMessagesLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errInvalidRequest)
	}
	return n, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
