//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package openai implements model.Model for OpenAI compatible chat
// completion APIs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/tool"
)

const (
	functionToolType         = "function"
	defaultChannelBufferSize = 256
)

// Model talks to an OpenAI compatible endpoint.
type Model struct {
	client            openai.Client
	name              string
	channelBufferSize int
	extraFields       map[string]any
}

type options struct {
	apiKey            string
	baseURL           string
	channelBufferSize int
	requestOptions    []openaiopt.RequestOption
	extraFields       map[string]any
}

// Option configures a Model.
type Option func(*options)

// WithAPIKey sets the API key. The client falls back to OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the client at a compatible gateway.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithChannelBufferSize sizes the response channel.
func WithChannelBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.channelBufferSize = size
		}
	}
}

// WithOpenAIOptions appends raw openai-go request options.
func WithOpenAIOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) { o.requestOptions = append(o.requestOptions, opts...) }
}

// WithExtraFields adds fields to every request body, for gateways that
// accept vendor specific parameters.
func WithExtraFields(fields map[string]any) Option {
	return func(o *options) {
		if o.extraFields == nil {
			o.extraFields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			o.extraFields[k] = v
		}
	}
}

// New returns a model that calls the chat completion endpoint with name.
func New(name string, opts ...Option) *Model {
	o := &options{channelBufferSize: defaultChannelBufferSize}
	for _, opt := range opts {
		opt(o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	return &Model{
		client:            openai.NewClient(append(clientOpts, o.requestOptions...)...),
		name:              name,
		channelBufferSize: o.channelBufferSize,
		extraFields:       o.extraFields,
	}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent implements model.Model. Streaming requests yield partial
// chunks followed by one accumulated response.
func (m *Model) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	params := m.buildParams(req)
	var reqOpts []openaiopt.RequestOption
	for k, v := range m.extraFields {
		reqOpts = append(reqOpts, openaiopt.WithJSONSet(k, v))
	}
	out := make(chan *model.Response, m.channelBufferSize)
	go func() {
		defer close(out)
		if req.Stream {
			m.stream(ctx, params, out, reqOpts)
			return
		}
		m.complete(ctx, params, out, reqOpts)
	}()
	return out, nil
}

func (m *Model) buildParams(req *model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: m.convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
	}
	// max_tokens is rejected by reasoning models.
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfString: openai.String(req.Stop[0])}
	}
	if req.Stream {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}
	return params
}

func (m *Model) convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolID))
		case model.RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				})
			}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools map[string]tool.Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		decl := t.Declaration()
		raw, err := json.Marshal(decl.InputSchema)
		if err != nil {
			log.Errorf("openai: encode schema of tool %s: %v", decl.Name, err)
			continue
		}
		var params shared.FunctionParameters
		if err := json.Unmarshal(raw, &params); err != nil {
			log.Errorf("openai: decode schema of tool %s: %v", decl.Name, err)
			continue
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        decl.Name,
				Description: openai.String(decl.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

// streamState follows tool call ids across chunks. Providers send the id on
// the first fragment of a call and only the index afterwards.
type streamState struct {
	acc     openai.ChatCompletionAccumulator
	idAt    map[int]string
	indexOf map[string]int
}

func (s *streamState) observe(chunk openai.ChatCompletionChunk) {
	if len(chunk.Choices) > 0 {
		for _, tc := range chunk.Choices[0].Delta.ToolCalls {
			if tc.ID != "" {
				s.idAt[int(tc.Index)] = tc.ID
				s.indexOf[tc.ID] = int(tc.Index)
			}
		}
	}
	s.acc.AddChunk(chunk)
}

func (s *streamState) partial(chunk openai.ChatCompletionChunk) *model.Response {
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	delta := model.Message{Role: model.RoleAssistant, Content: choice.Delta.Content}
	for _, tc := range choice.Delta.ToolCalls {
		idx := int(tc.Index)
		id := tc.ID
		if id == "" {
			id = s.idAt[idx]
		}
		delta.ToolCalls = append(delta.ToolCalls,
			toolCall(id, idx, tc.Function.Name, tc.Function.Arguments))
	}
	if delta.Content == "" && len(delta.ToolCalls) == 0 && choice.FinishReason == "" {
		return nil
	}
	rsp := &model.Response{
		ID:        chunk.ID,
		Object:    model.ObjectTypeChatCompletionChunk,
		Created:   chunk.Created,
		Model:     chunk.Model,
		Timestamp: time.Now(),
		IsPartial: true,
		Choices:   []model.Choice{{Index: int(choice.Index), Delta: delta}},
	}
	if choice.FinishReason != "" {
		rsp.Choices[0].FinishReason = &choice.FinishReason
	}
	return rsp
}

func (s *streamState) final() *model.Response {
	rsp := &model.Response{
		ID:      s.acc.ID,
		Object:  model.ObjectTypeChatCompletion,
		Created: s.acc.Created,
		Model:   s.acc.Model,
		Usage: &model.Usage{
			PromptTokens:     int(s.acc.Usage.PromptTokens),
			CompletionTokens: int(s.acc.Usage.CompletionTokens),
			TotalTokens:      int(s.acc.Usage.TotalTokens),
		},
		Timestamp: time.Now(),
		Done:      true,
	}
	for i, choice := range s.acc.Choices {
		msg := model.Message{Role: model.RoleAssistant, Content: choice.Message.Content}
		// Only the first choice carries tool calls in practice.
		if i == 0 {
			for pos, tc := range choice.Message.ToolCalls {
				// The accumulator leaves holes for skipped indexes.
				if tc.ID == "" && tc.Function.Name == "" {
					continue
				}
				idx := pos
				if mapped, ok := s.indexOf[tc.ID]; ok && tc.ID != "" {
					idx = mapped
				}
				msg.ToolCalls = append(msg.ToolCalls,
					toolCall(synthesizeID(tc.ID, idx), idx, tc.Function.Name, tc.Function.Arguments))
			}
			rsp.Done = len(msg.ToolCalls) == 0
		}
		rsp.Choices = append(rsp.Choices, model.Choice{Index: int(choice.Index), Message: msg})
	}
	return rsp
}

func (m *Model) stream(ctx context.Context, params openai.ChatCompletionNewParams,
	out chan<- *model.Response, reqOpts []openaiopt.RequestOption) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	state := &streamState{idAt: make(map[int]string), indexOf: make(map[string]int)}
	for stream.Next() {
		chunk := stream.Current()
		// Some gateways send an explicit empty tool_calls list.
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.JSON.ToolCalls.Valid() &&
			len(chunk.Choices[0].Delta.ToolCalls) == 0 {
			continue
		}
		state.observe(chunk)
		if rsp := state.partial(chunk); rsp != nil && !send(ctx, out, rsp) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(ctx, out, errorResponse(err, model.ErrorTypeStreamError))
		return
	}
	send(ctx, out, state.final())
}

func (m *Model) complete(ctx context.Context, params openai.ChatCompletionNewParams,
	out chan<- *model.Response, reqOpts []openaiopt.RequestOption) {
	completion, err := m.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		send(ctx, out, errorResponse(err, model.ErrorTypeAPIError))
		return
	}
	rsp := &model.Response{
		ID:        completion.ID,
		Object:    model.ObjectTypeChatCompletion,
		Created:   completion.Created,
		Model:     completion.Model,
		Timestamp: time.Now(),
		Done:      true,
	}
	for _, choice := range completion.Choices {
		msg := model.Message{Role: model.RoleAssistant, Content: choice.Message.Content}
		for idx, tc := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls,
				toolCall(synthesizeID(tc.ID, idx), idx, tc.Function.Name, tc.Function.Arguments))
		}
		if len(msg.ToolCalls) > 0 {
			rsp.Done = false
		}
		c := model.Choice{Index: int(choice.Index), Message: msg}
		if choice.FinishReason != "" {
			reason := choice.FinishReason
			c.FinishReason = &reason
		}
		rsp.Choices = append(rsp.Choices, c)
	}
	if u := completion.Usage; u.PromptTokens > 0 || u.CompletionTokens > 0 {
		rsp.Usage = &model.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		}
	}
	send(ctx, out, rsp)
}

// toolCall builds a model tool call. Streaming fragments may carry an
// empty id until the provider has sent it.
func toolCall(id string, idx int, name, args string) model.ToolCall {
	return model.ToolCall{
		Type:  functionToolType,
		ID:    id,
		Index: &idx,
		Function: model.FunctionDefinitionParam{
			Name:      name,
			Arguments: []byte(args),
		},
	}
}

func errorResponse(err error, errType string) *model.Response {
	return &model.Response{
		Object:    model.ObjectTypeError,
		Error:     &model.ResponseError{Message: err.Error(), Type: errType},
		Timestamp: time.Now(),
		Done:      true,
	}
}

func send(ctx context.Context, out chan<- *model.Response, rsp *model.Response) bool {
	select {
	case out <- rsp:
		return true
	case <-ctx.Done():
		return false
	}
}

// synthesizeID gives complete calls from providers that omit ids a stable one.
func synthesizeID(id string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("auto_call_%d", index)
}
