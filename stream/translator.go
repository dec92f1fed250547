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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-dbagent-go/event"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/message"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/transfer"
)

// DefaultMaxProtocolErrors is how many consecutive malformed events one
// invocation may produce before it is flushed with an error result.
const DefaultMaxProtocolErrors = 3

const errorTypeStream = "stream_error"

// Option configures a Translator.
type Option func(*Translator)

// WithStore persists the assembled message when the run halts.
func WithStore(s message.Store) Option {
	return func(t *Translator) {
		t.store = s
	}
}

// WithMessageID sets the id of the assistant message. A random id is used
// otherwise.
func WithMessageID(id string) Option {
	return func(t *Translator) {
		if id != "" {
			t.messageID = id
		}
	}
}

// WithMaxProtocolErrors overrides DefaultMaxProtocolErrors.
func WithMaxProtocolErrors(n int) Option {
	return func(t *Translator) {
		if n > 0 {
			t.maxProtocolErrors = n
		}
	}
}

// pendingCall tracks one tool invocation seen on the stream.
type pendingCall struct {
	blockID      string
	invocationID string
	name         string
	args         strings.Builder
	output       string
	explanation  strings.Builder
	sequence     int
	turn         int
	stepID       int
	step         *step.Step
	status       message.Status
	hidden       bool
	resolved     bool
	failed       bool
	errCount     int
}

func (p *pendingCall) id() string {
	if p.invocationID != "" {
		return p.invocationID
	}
	return p.blockID
}

func (p *pendingCall) data() ToolCallData {
	d := ToolCallData{
		ToolCallID:  p.id(),
		Name:        p.name,
		Output:      p.output,
		Explanation: p.explanation.String(),
		Sequence:    p.sequence,
		StepID:      p.stepID,
	}
	if args := strings.TrimSpace(p.args.String()); args != "" {
		if json.Valid([]byte(args)) {
			d.Arguments = json.RawMessage(args)
		} else {
			d.RawArguments = args
		}
	}
	if p.step != nil {
		if d.StepID == 0 {
			d.StepID = p.step.ID
		}
		d.Decision = p.step.Decision
		d.Reasoning = p.step.Reasoning
		d.WhyChosen = p.step.WhyChosen
		d.Confidence = p.step.Confidence
	}
	return d
}

// Translator converts the events of one run into content-block frames. It is
// owned by a single goroutine; only SetEmitter may be called concurrently.
type Translator struct {
	threadID          string
	runID             string
	messageID         string
	store             message.Store
	maxProtocolErrors int

	mu      sync.Mutex
	emitter Emitter

	pending      map[string]*pendingCall
	byInvocation map[string]string
	byIndex      map[int]string
	order        []string
	lastActive   string
	sequence     int
	turn         int
	turnHadText  bool

	blocks   map[string]*ContentBlock
	text     strings.Builder
	stage    string
	textDone bool
	awaiting bool
	jsonBuf  strings.Builder

	steps          []step.Step
	visualizations []json.RawMessage
	result         *Completed
}

// New creates a translator for the run runID on threadID.
func New(threadID, runID string, emitter Emitter, opts ...Option) *Translator {
	if emitter == nil {
		emitter = Discard
	}
	t := &Translator{
		threadID:          threadID,
		runID:             runID,
		messageID:         uuid.New().String(),
		maxProtocolErrors: DefaultMaxProtocolErrors,
		emitter:           emitter,
		pending:           make(map[string]*pendingCall),
		byInvocation:      make(map[string]string),
		byIndex:           make(map[int]string),
		blocks:            make(map[string]*ContentBlock),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MessageID returns the id of the assistant message being assembled.
func (t *Translator) MessageID() string {
	return t.messageID
}

// SetEmitter replaces the subscriber. Passing nil discards later frames.
func (t *Translator) SetEmitter(e Emitter) {
	if e == nil {
		e = Discard
	}
	t.mu.Lock()
	t.emitter = e
	t.mu.Unlock()
}

// Begin echoes the request that opened the stream as a start or resume frame.
func (t *Translator) Begin(ctx context.Context, kind string, payload any) {
	t.emit(ctx, Frame{Event: kind, Data: payload})
}

// Run consumes events until the run halts and returns its result. The last
// frame written is always a status frame.
func (t *Translator) Run(ctx context.Context, events <-chan *event.Event) *Completed {
	for {
		select {
		case <-ctx.Done():
			t.fail(ctx, errorTypeStream, ctx.Err().Error(), nil)
			return t.result
		case evt, ok := <-events:
			if !ok {
				if t.result == nil {
					t.fail(ctx, errorTypeStream, "run ended without a terminal event", nil)
				}
				return t.result
			}
			if err := t.Translate(ctx, evt); err != nil {
				log.Debugf("stream: thread %s: %v", t.threadID, err)
			}
			if t.result != nil {
				return t.result
			}
		}
	}
}

// Result returns the completed result once the run halted.
func (t *Translator) Result() *Completed {
	return t.result
}

// Translate applies one event. A returned *ProtocolError means the event was
// skipped.
func (t *Translator) Translate(ctx context.Context, evt *event.Event) error {
	if t.result != nil {
		return &ProtocolError{Reason: "event after run completed"}
	}
	if evt == nil || evt.Response == nil {
		return t.skip(&ProtocolError{Reason: "empty event"})
	}
	switch {
	case evt.Object == model.ObjectTypeError || evt.Error != nil:
		t.handleError(ctx, evt)
	case evt.Object == event.ObjectTypeInterrupt || evt.Object == event.ObjectTypeDone:
		t.handleFinal(ctx, evt)
	case evt.Object == model.ObjectTypeToolResponse:
		return t.handleToolResult(ctx, evt)
	case evt.Object == event.ObjectTypeSteps:
		t.handleSteps(ctx, evt)
	case evt.IsPartial || evt.Object == model.ObjectTypeChatCompletionChunk:
		return t.handleChunk(ctx, evt)
	case evt.Object == model.ObjectTypeChatCompletion:
		return t.handleCompletion(ctx, evt)
	}
	return nil
}

func (t *Translator) handleChunk(ctx context.Context, evt *event.Event) error {
	if evt.Stage != "" {
		t.stage = evt.Stage
	}
	var perr error
	for _, choice := range evt.Choices {
		if choice.Delta.Content != "" {
			t.textFragment(ctx, choice.Delta.Content)
		}
		for i, tc := range choice.Delta.ToolCalls {
			if err := t.toolFragment(ctx, i, tc); err != nil {
				perr = err
			}
		}
	}
	return perr
}

func (t *Translator) toolFragment(ctx context.Context, pos int, tc model.ToolCall) error {
	key, known := t.fragmentKey(pos, tc)
	p := t.pending[key]
	if !known {
		if tc.ID == "" && tc.Function.Name == "" {
			delete(t.byIndex, fragmentIndex(pos, tc))
			return t.skip(&ProtocolError{Reason: "tool call fragment without id or name"})
		}
		p = t.open(key, tc.ID, tc.Function.Name)
		if !p.hidden {
			t.emitTool(ctx, p, ActionStartToolCall, "")
		}
	}
	if p.resolved {
		return t.protocolError(ctx, p, "argument fragment after result")
	}
	if p.name == "" && tc.Function.Name != "" {
		p.name = tc.Function.Name
		p.hidden = transfer.IsTransfer(p.name)
	}
	if tc.ID != "" && p.invocationID == "" {
		p.invocationID = tc.ID
		t.byInvocation[tc.ID] = key
	}
	if p.hidden {
		return nil
	}
	t.lastActive = key
	p.errCount = 0
	if len(tc.Function.Arguments) == 0 {
		return nil
	}
	args := string(tc.Function.Arguments)
	p.args.WriteString(args)
	t.emitTool(ctx, p, ActionStreamArgs, args)
	return nil
}

func fragmentIndex(pos int, tc model.ToolCall) int {
	if tc.Index != nil {
		return *tc.Index
	}
	return pos
}

// fragmentKey maps a fragment to its block id. Fragments without an id are
// matched by their index within the current turn.
func (t *Translator) fragmentKey(pos int, tc model.ToolCall) (string, bool) {
	idx := fragmentIndex(pos, tc)
	if tc.ID != "" {
		if key, ok := t.byInvocation[tc.ID]; ok && t.current(key) {
			t.byIndex[idx] = key
			return key, true
		}
		if key, ok := t.byIndex[idx]; ok {
			if p := t.pending[key]; p != nil && p.invocationID == "" {
				return key, true
			}
		}
		key := t.freshKey(tc.ID, idx)
		t.byIndex[idx] = key
		return key, false
	}
	if key, ok := t.byIndex[idx]; ok {
		return key, true
	}
	key := t.freshKey("", idx)
	t.byIndex[idx] = key
	return key, false
}

// current reports whether the call under key can take more of the stream. A
// resolved call from an earlier turn cannot: its id was reused by a new call.
func (t *Translator) current(key string) bool {
	p := t.pending[key]
	return !p.resolved || p.turn == t.turn
}

// freshKey returns a block id for a new call. An invocation id already used
// by an earlier call of the run is not reused as a block id.
func (t *Translator) freshKey(invocationID string, idx int) string {
	if invocationID != "" {
		if _, taken := t.pending[invocationID]; !taken {
			return invocationID
		}
	}
	return fmt.Sprintf("tool-%s-%d-%d", t.runID, t.turn, idx)
}

func (t *Translator) open(key, invocationID, name string) *pendingCall {
	t.sequence++
	p := &pendingCall{
		blockID:      key,
		invocationID: invocationID,
		name:         name,
		sequence:     t.sequence,
		turn:         t.turn,
		hidden:       transfer.IsTransfer(name),
	}
	t.pending[key] = p
	if invocationID != "" {
		t.byInvocation[invocationID] = key
	}
	t.order = append(t.order, key)
	return p
}

func (t *Translator) textFragment(ctx context.Context, text string) {
	t.turnHadText = true
	if t.lastActive != "" {
		if p := t.pending[t.lastActive]; p != nil && !p.resolved {
			p.explanation.WriteString(text)
			t.emitTool(ctx, p, ActionUpdateToolCallsExplanation, text)
			return
		}
		t.lastActive = ""
	}
	if t.jsonBuf.Len() > 0 || strings.HasPrefix(strings.TrimSpace(text), "{") {
		t.jsonBuf.WriteString(text)
		raw := strings.TrimSpace(t.jsonBuf.String())
		if json.Valid([]byte(raw)) {
			t.jsonBuf.Reset()
			t.emit(ctx, Frame{Event: EventMessage, Data: json.RawMessage(raw)})
		}
		return
	}
	t.appendText(ctx, text)
}

// flushJSON releases a buffer that never became valid JSON as plain text.
func (t *Translator) flushJSON(ctx context.Context) {
	if t.jsonBuf.Len() == 0 {
		return
	}
	text := t.jsonBuf.String()
	t.jsonBuf.Reset()
	t.appendText(ctx, text)
}

func (t *Translator) appendText(ctx context.Context, text string) {
	t.text.WriteString(text)
	t.textDone = false
	t.emitText(ctx, ActionAppendText, text)
}

func (t *Translator) finalizeText(ctx context.Context) {
	if t.text.Len() == 0 || t.textDone {
		return
	}
	t.textDone = true
	t.emitText(ctx, ActionFinalizeText, "")
}

func (t *Translator) handleCompletion(ctx context.Context, evt *event.Event) error {
	if evt.Stage != "" {
		t.stage = evt.Stage
	}
	t.flushJSON(ctx)
	defer func() {
		t.byIndex = make(map[int]string)
		t.turn++
		t.turnHadText = false
	}()
	if len(evt.Choices) == 0 {
		return t.skip(&ProtocolError{Reason: "completion without choices"})
	}
	msg := evt.Choices[0].Message
	if msg.Content != "" && !t.turnHadText && len(msg.ToolCalls) == 0 {
		t.appendText(ctx, msg.Content)
	}
	visible := 0
	for i, tc := range msg.ToolCalls {
		p := t.completedCall(ctx, i, tc)
		if p != nil && !p.hidden {
			visible++
		}
	}
	if visible == 0 {
		t.finalizeText(ctx)
	}
	return nil
}

// completedCall reconciles a tool call of the final turn message with the
// fragments streamed before it. Calls never streamed are added whole.
func (t *Translator) completedCall(ctx context.Context, pos int, tc model.ToolCall) *pendingCall {
	var p *pendingCall
	idx := fragmentIndex(pos, tc)
	if key, ok := t.byInvocation[tc.ID]; ok && tc.ID != "" && t.current(key) {
		p = t.pending[key]
	} else if key, ok := t.byIndex[idx]; ok {
		p = t.pending[key]
	}
	if p == nil {
		p = t.open(t.freshKey(tc.ID, idx), tc.ID, tc.Function.Name)
		p.args.Write(tc.Function.Arguments)
		if !p.hidden {
			t.emitTool(ctx, p, ActionAddToolCall, "")
		}
		return p
	}
	if tc.ID != "" {
		if p.invocationID == "" {
			p.invocationID = tc.ID
		}
		t.byInvocation[tc.ID] = p.blockID
	}
	if p.name == "" && tc.Function.Name != "" {
		p.name = tc.Function.Name
		p.hidden = transfer.IsTransfer(p.name)
	}
	if p.args.Len() == 0 && len(tc.Function.Arguments) > 0 && !p.resolved {
		p.args.Write(tc.Function.Arguments)
		if !p.hidden {
			t.emitTool(ctx, p, ActionStreamArgs, string(tc.Function.Arguments))
		}
	}
	return p
}

func (t *Translator) handleToolResult(ctx context.Context, evt *event.Event) error {
	res := evt.ToolResult
	if res == nil {
		if len(evt.Choices) == 0 {
			return t.skip(&ProtocolError{Reason: "tool result without payload"})
		}
		m := evt.Choices[0].Message
		res = &step.Result{InvocationID: m.ToolID, ToolName: m.ToolName, Output: m.Content}
	}
	if res.InvocationID == "" && res.ToolName == "" {
		return t.skip(&ProtocolError{Reason: "tool result without invocation id or name"})
	}
	p := t.lookup(res)
	if p == nil {
		key := res.InvocationID
		if key == "" {
			key = fmt.Sprintf("tool-%s-result-%d", t.runID, t.sequence+1)
		}
		p = t.open(key, res.InvocationID, res.ToolName)
		p.args.WriteString(res.Arguments)
		if !p.hidden {
			t.emitTool(ctx, p, ActionAddToolCall, "")
		}
	}
	if p.resolved {
		return t.protocolError(ctx, p, "duplicate tool result")
	}
	p.resolved = true
	if t.lastActive == p.blockID {
		t.lastActive = ""
	}
	if p.hidden {
		return nil
	}
	p.output = res.Output
	p.stepID = res.StepID
	p.errCount = 0
	if p.args.Len() == 0 && res.Arguments != "" {
		p.args.WriteString(res.Arguments)
	}
	if args := strings.TrimSpace(p.args.String()); args != "" && !json.Valid([]byte(args)) {
		log.Warnf("stream: thread %s: %v", t.threadID,
			&ProtocolError{InvocationID: p.id(), Reason: "arguments are not valid JSON"})
	}
	if res.IsError() {
		p.status = message.StatusError
		t.emitTool(ctx, p, ActionUpdateToolError, "")
	} else {
		t.emitTool(ctx, p, ActionUpdateToolResult, "")
	}
	if len(res.Visualizations) > 0 {
		t.visualizations = append(t.visualizations, res.Visualizations...)
		t.emitBlock(ctx, t.blockID("visualizations"), message.BlockTypeVisualizations,
			ActionAddVisualizations, "", VisualizationsData{Visualizations: t.visualizations}, "")
	}
	return nil
}

// lookup finds the call a result resolves: by invocation id first, then by a
// linear search for the first unresolved call of the same tool, which covers
// ids remapped between the stream and the result. A resolved call is returned
// only when nothing else can take the result, so a repeat is reported.
func (t *Translator) lookup(res *step.Result) *pendingCall {
	var done *pendingCall
	if res.InvocationID != "" {
		if key, ok := t.byInvocation[res.InvocationID]; ok {
			if p := t.pending[key]; !p.resolved {
				return p
			}
			done = t.pending[key]
		} else if p, ok := t.pending[res.InvocationID]; ok {
			if !p.resolved {
				return p
			}
			done = p
		}
		for _, key := range t.order {
			if p := t.pending[key]; !p.resolved && p.invocationID == res.InvocationID {
				t.byInvocation[res.InvocationID] = key
				return p
			}
		}
		if done != nil {
			return done
		}
	}
	for _, key := range t.order {
		p := t.pending[key]
		if p.resolved || p.name != res.ToolName {
			continue
		}
		if res.InvocationID != "" {
			t.byInvocation[res.InvocationID] = key
		}
		return p
	}
	return nil
}

func (t *Translator) handleSteps(ctx context.Context, evt *event.Event) {
	if len(evt.Steps) == 0 {
		return
	}
	t.steps = step.Merge(t.steps, evt.Steps)
	for i := range evt.Steps {
		s := evt.Steps[i]
		for _, id := range s.InvocationIDs {
			key, ok := t.byInvocation[id]
			if !ok {
				continue
			}
			p := t.pending[key]
			if p == nil || p.hidden {
				continue
			}
			p.step = &s
			t.emitTool(ctx, p, ActionUpdateToolCallsExplanation, "")
		}
	}
	t.emitBlock(ctx, t.blockID("explorer"), message.BlockTypeExplorer,
		ActionUpdateExplorer, "", ExplorerData{Steps: t.steps}, "")
}

func (t *Translator) handleFinal(ctx context.Context, evt *event.Event) {
	f := evt.Final
	if f == nil {
		t.fail(ctx, errorTypeStream, "terminal event without result", nil)
		return
	}
	t.flushJSON(ctx)
	t.awaiting = evt.Object == event.ObjectTypeInterrupt || f.NeedsApproval
	t.abandonPending(ctx, "tool call did not complete")
	if t.text.Len() == 0 {
		fallback := f.Answer
		if fallback == "" && t.awaiting {
			fallback = f.Plan
		}
		if fallback != "" {
			t.appendText(ctx, fallback)
		}
	}
	if t.awaiting {
		t.textDone = false
	}
	t.finalizeText(ctx)
	status := StatusFinished
	if t.awaiting {
		status = StatusUserFeedback
	}
	t.complete(ctx, NewCompleted(f, t.messageID), status)
}

func (t *Translator) handleError(ctx context.Context, evt *event.Event) {
	msg, typ := "run failed", errorTypeStream
	if evt.Error != nil {
		msg, typ = evt.Error.Message, evt.Error.Type
	}
	t.fail(ctx, typ, msg, evt.Final)
}

// fail flushes every open invocation with an error result and completes the
// run with status error.
func (t *Translator) fail(ctx context.Context, errType, msg string, f *event.Final) {
	t.flushJSON(ctx)
	t.abandonPending(ctx, msg)
	t.finalizeText(ctx)
	t.emitBlock(ctx, t.blockID("error"), message.BlockTypeText, ActionAppendError, msg,
		ErrorData{Text: msg, ErrorType: errType}, message.StatusError)
	res := &Completed{ThreadID: t.threadID, MessageID: t.messageID, Steps: t.steps}
	if f != nil {
		res = NewCompleted(f, t.messageID)
	}
	res.Status = event.StatusError
	res.NeedsApproval = false
	res.Error = msg
	t.awaiting = false
	t.complete(ctx, res, StatusError)
}

func (t *Translator) abandonPending(ctx context.Context, reason string) {
	for _, key := range t.order {
		p := t.pending[key]
		if p.resolved {
			continue
		}
		p.resolved = true
		if p.hidden {
			continue
		}
		p.output = step.ErrorPrefix + " " + reason
		p.status = message.StatusError
		t.emitTool(ctx, p, ActionUpdateToolError, "")
	}
	t.lastActive = ""
}

func (t *Translator) complete(ctx context.Context, res *Completed, status string) {
	t.persist(ctx, res.CheckpointID)
	if len(t.visualizations) > 0 {
		t.emit(ctx, Frame{Event: EventVisualizationsReady,
			Data: VisualizationsData{Visualizations: t.visualizations}})
	}
	t.emit(ctx, Frame{Event: EventCompleted, Data: res})
	t.emit(ctx, Frame{Event: EventStatus, Data: StatusData{Status: status}})
	t.result = res
}

func (t *Translator) persist(ctx context.Context, checkpointID string) {
	if t.store == nil {
		return
	}
	_, err := t.store.SaveAssistantMessage(context.WithoutCancel(ctx), message.AssistantMessage{
		ThreadID:      t.threadID,
		MessageID:     t.messageID,
		CheckpointID:  checkpointID,
		NeedsApproval: t.awaiting,
		Blocks:        t.Blocks(),
	})
	if err != nil {
		log.Errorf("stream: thread %s: save message %s: %v", t.threadID, t.messageID, err)
	}
}

// Blocks returns the rendered blocks in message order: tool calls by
// sequence, then text, error, explorer and visualizations.
func (t *Translator) Blocks() []ContentBlock {
	calls := make([]*pendingCall, 0, len(t.order))
	for _, key := range t.order {
		if p := t.pending[key]; !p.hidden {
			calls = append(calls, p)
		}
	}
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].sequence < calls[j].sequence })
	ids := make([]string, 0, len(calls)+4)
	for _, p := range calls {
		ids = append(ids, p.blockID)
	}
	ids = append(ids, t.blockID("text"), t.blockID("error"), t.blockID("explorer"), t.blockID("visualizations"))
	out := make([]ContentBlock, 0, len(ids))
	for _, id := range ids {
		if b, ok := t.blocks[id]; ok {
			out = append(out, *b)
		}
	}
	return out
}

func (t *Translator) blockID(kind string) string {
	return kind + "-" + t.runID
}

func (t *Translator) emitText(ctx context.Context, action Action, delta string) {
	t.emitBlock(ctx, t.blockID("text"), message.BlockTypeText, action, delta,
		TextData{Text: t.text.String(), Stage: t.stage, Final: t.textDone}, "")
}

func (t *Translator) emitTool(ctx context.Context, p *pendingCall, action Action, delta string) {
	t.emitBlock(ctx, p.blockID, message.BlockTypeToolCalls, action, delta, p.data(), p.status)
}

// emitBlock renders payload into the block id and sends the delta.
func (t *Translator) emitBlock(ctx context.Context, id string, typ message.BlockType, action Action,
	delta string, payload any, status message.Status) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("stream: thread %s: render block %s: %v", t.threadID, id, err)
		return
	}
	b, ok := t.blocks[id]
	if !ok {
		b = &ContentBlock{ID: id, Type: typ}
		t.blocks[id] = b
	}
	b.Data = raw
	if status != "" {
		b.MessageStatus = status
	}
	if id == t.blockID("text") && t.awaiting {
		b.NeedsApproval = true
		b.MessageStatus = message.StatusPending
	}
	t.emit(ctx, Frame{Event: EventContentBlock, Data: BlockDelta{
		Action:        action,
		BlockType:     typ,
		BlockID:       id,
		Delta:         delta,
		Data:          raw,
		NeedsApproval: b.NeedsApproval,
		MessageStatus: b.MessageStatus,
	}})
}

func (t *Translator) emit(ctx context.Context, f Frame) {
	t.mu.Lock()
	em := t.emitter
	t.mu.Unlock()
	if err := em.Emit(ctx, f); err != nil {
		log.Warnf("stream: thread %s: subscriber dropped, discarding frames: %v", t.threadID, err)
		t.mu.Lock()
		if t.emitter == em {
			t.emitter = Discard
		}
		t.mu.Unlock()
	}
}

func (t *Translator) skip(err *ProtocolError) error {
	log.Warnf("stream: thread %s: skip event: %v", t.threadID, err)
	return err
}

// protocolError records a malformed event for p. After maxProtocolErrors in a
// row the invocation is flushed with an error result.
func (t *Translator) protocolError(ctx context.Context, p *pendingCall, reason string) error {
	err := &ProtocolError{InvocationID: p.id(), Reason: reason}
	log.Warnf("stream: thread %s: skip event: %v", t.threadID, err)
	p.errCount++
	if p.errCount >= t.maxProtocolErrors && !p.failed {
		p.failed = true
		p.resolved = true
		if t.lastActive == p.blockID {
			t.lastActive = ""
		}
		if !p.hidden {
			p.output = fmt.Sprintf("%s %s", step.ErrorPrefix, reason)
			p.status = message.StatusError
			t.emitTool(ctx, p, ActionUpdateToolError, "")
		}
	}
	return err
}

// NewCompleted builds the structured result of a halted run.
func NewCompleted(f *event.Final, messageID string) *Completed {
	steps := f.Steps
	if steps == nil {
		steps = []step.Step{}
	}
	return &Completed{
		ThreadID:      f.ThreadID,
		CheckpointID:  f.CheckpointID,
		Status:        f.Status,
		Plan:          f.Plan,
		Steps:         steps,
		Answer:        f.Answer,
		MessageID:     messageID,
		NeedsApproval: f.NeedsApproval,
		Error:         f.Error,
	}
}
