//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package anthropic provides a model implementation backed by the Anthropic
// Messages streaming API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/tool"
)

const (
	defaultMaxTokens         = 4096
	defaultChannelBufferSize = 256
	functionToolType         = "function"
)

// Model implements model.Model on top of anthropic-sdk-go.
type Model struct {
	client            anthropic.Client
	name              string
	maxTokens         int64
	channelBufferSize int
}

type options struct {
	apiKey            string
	baseURL           string
	maxTokens         int64
	channelBufferSize int
	requestOptions    []option.RequestOption
}

// Option configures a Model.
type Option func(*options)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithMaxTokens sets the default completion budget.
func WithMaxTokens(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTokens = int64(n)
		}
	}
}

// WithRequestOptions appends raw SDK request options.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(o *options) { o.requestOptions = append(o.requestOptions, opts...) }
}

// New creates an Anthropic model.
func New(name string, opts ...Option) *Model {
	o := &options{
		maxTokens:         defaultMaxTokens,
		channelBufferSize: defaultChannelBufferSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	var clientOpts []option.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(o.apiKey))
	}
	if strings.TrimSpace(o.baseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	clientOpts = append(clientOpts, o.requestOptions...)
	return &Model{
		client:            anthropic.NewClient(clientOpts...),
		name:              name,
		maxTokens:         o.maxTokens,
		channelBufferSize: o.channelBufferSize,
	}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent implements model.Model. Responses are always streamed:
// text and tool input deltas arrive as partial responses, followed by one
// final response with the assembled assistant message.
func (m *Model) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}
	params, err := m.buildParams(request)
	if err != nil {
		return nil, err
	}
	responseChan := make(chan *model.Response, m.channelBufferSize)
	go func() {
		defer close(responseChan)
		m.processStream(ctx, params, responseChan)
	}()
	return responseChan, nil
}

func (m *Model) buildParams(request *model.Request) (anthropic.MessageNewParams, error) {
	messages, system, err := convertMessages(request.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	maxTokens := m.maxTokens
	if request.MaxTokens != nil && *request.MaxTokens > 0 {
		maxTokens = int64(*request.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.name),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if request.Temperature != nil {
		params.Temperature = anthropic.Float(*request.Temperature)
	}
	if request.TopP != nil {
		params.TopP = anthropic.Float(*request.TopP)
	}
	if len(request.Stop) > 0 {
		params.StopSequences = request.Stop
	}
	tools, err := convertTools(request.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Tools = tools
	return params, nil
}

// convertMessages maps the conversation onto Anthropic messages. System
// messages are lifted into the system prompt and consecutive tool results are
// folded into a single user turn.
func convertMessages(messages []model.Message) ([]anthropic.MessageParam, string, error) {
	var (
		result []anthropic.MessageParam
		system []string
	)
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, msg.Content)
		case model.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for ; i < len(messages) && messages[i].Role == model.RoleTool; i++ {
				t := messages[i]
				blocks = append(blocks, anthropic.NewToolResultBlock(
					t.ToolID, t.Content, strings.HasPrefix(t.Content, "Error:")))
			}
			i--
			result = append(result, anthropic.NewUserMessage(blocks...))
		case model.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]any{}
				if len(tc.Function.Arguments) > 0 {
					if err := json.Unmarshal(tc.Function.Arguments, &input); err != nil {
						return nil, "", fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result, strings.Join(system, "\n\n"), nil
}

func convertTools(tools map[string]tool.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		decl := t.Declaration()
		raw, err := json.Marshal(decl.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", decl.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", decl.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, decl.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", decl.Name)
		}
		param.OfTool.Description = anthropic.String(decl.Description)
		result = append(result, param)
	}
	return result, nil
}

type pendingToolUse struct {
	index int
	id    string
	name  string
	input strings.Builder
}

func (m *Model) processStream(
	ctx context.Context,
	params anthropic.MessageNewParams,
	responseChan chan<- *model.Response,
) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text         strings.Builder
		current      *pendingToolUse
		toolCalls    []model.ToolCall
		messageID    string
		inputTokens  int
		outputTokens int
	)
	send := func(rsp *model.Response) bool {
		select {
		case responseChan <- rsp:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			messageID = start.Message.ID
			inputTokens = int(start.Message.Usage.InputTokens)
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type != "tool_use" {
				continue
			}
			toolUse := start.ContentBlock.AsToolUse()
			current = &pendingToolUse{index: len(toolCalls), id: toolUse.ID, name: toolUse.Name}
			if !send(m.toolDelta(messageID, current, "")) {
				return
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if !send(m.textDelta(messageID, delta.Text)) {
					return
				}
			case "input_json_delta":
				if current == nil || delta.PartialJSON == "" {
					continue
				}
				current.input.WriteString(delta.PartialJSON)
				if !send(m.toolDelta(messageID, current, delta.PartialJSON)) {
					return
				}
			}
		case "content_block_stop":
			if current == nil {
				continue
			}
			args := current.input.String()
			if args == "" {
				args = "{}"
			}
			idx := current.index
			toolCalls = append(toolCalls, model.ToolCall{
				Type:  functionToolType,
				ID:    current.id,
				Index: &idx,
				Function: model.FunctionDefinitionParam{
					Name:      current.name,
					Arguments: []byte(args),
				},
			})
			current = nil
		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)
		case "error":
			m.sendError(ctx, responseChan, errors.New("anthropic stream error"))
			return
		}
	}
	if err := stream.Err(); err != nil {
		m.sendError(ctx, responseChan, err)
		return
	}
	msg := model.NewAssistantMessage(text.String())
	msg.ToolCalls = toolCalls
	send(&model.Response{
		ID:        messageID,
		Object:    model.ObjectTypeChatCompletion,
		Created:   time.Now().Unix(),
		Model:     m.name,
		Timestamp: time.Now(),
		Done:      len(toolCalls) == 0,
		Choices:   []model.Choice{{Message: msg}},
		Usage: &model.Usage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      inputTokens + outputTokens,
		},
	})
}

func (m *Model) textDelta(id, text string) *model.Response {
	return &model.Response{
		ID:        id,
		Object:    model.ObjectTypeChatCompletionChunk,
		Model:     m.name,
		Timestamp: time.Now(),
		IsPartial: true,
		Choices: []model.Choice{{Delta: model.Message{
			Role:    model.RoleAssistant,
			Content: text,
		}}},
	}
}

func (m *Model) toolDelta(id string, p *pendingToolUse, fragment string) *model.Response {
	idx := p.index
	return &model.Response{
		ID:        id,
		Object:    model.ObjectTypeChatCompletionChunk,
		Model:     m.name,
		Timestamp: time.Now(),
		IsPartial: true,
		Choices: []model.Choice{{Delta: model.Message{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{{
				Type:  functionToolType,
				ID:    p.id,
				Index: &idx,
				Function: model.FunctionDefinitionParam{
					Name:      p.name,
					Arguments: []byte(fragment),
				},
			}},
		}}},
	}
}

func (m *Model) sendError(ctx context.Context, responseChan chan<- *model.Response, err error) {
	select {
	case responseChan <- &model.Response{
		Object:    model.ObjectTypeError,
		Error:     &model.ResponseError{Message: err.Error(), Type: model.ErrorTypeStreamError},
		Timestamp: time.Now(),
		Done:      true,
	}:
	case <-ctx.Done():
	}
}
