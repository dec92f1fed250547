//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package model provides the model client contract used by the planner,
// the acting node and the step explainer.
package model

import (
	"context"
	"errors"
	"strings"
)

// Model is the interface that all language models must implement.
type Model interface {
	// GenerateContent generates content from the given request.
	//
	// Returns:
	// - A channel of Response objects for streaming results
	// - An error for system-level failures (prevents communication)
	//
	// The Response objects may contain their own Error field for API-level errors.
	// A streaming implementation sends partial chunks first and one final
	// response carrying the complete assistant message last.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)

	// Info returns basic information about the model.
	Info() Info
}

// Info contains basic information about a model.
type Info struct {
	Name string
}

// ChunkFunc observes partial responses while a completion is collected.
type ChunkFunc func(rsp *Response)

// Collect drains the response channel and returns the final assistant
// message. Partial chunks are handed to onChunk when it is not nil. API-level
// errors carried by a response are returned as errors.
func Collect(ctx context.Context, ch <-chan *Response, onChunk ChunkFunc) (Message, error) {
	var (
		final   *Response
		content strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case rsp, ok := <-ch:
			if !ok {
				if final != nil {
					return final.Choices[0].Message, nil
				}
				if content.Len() > 0 {
					return NewAssistantMessage(content.String()), nil
				}
				return Message{}, errors.New("model returned no response")
			}
			if rsp == nil {
				continue
			}
			if rsp.Error != nil {
				return Message{}, errors.New(rsp.Error.Message)
			}
			if rsp.IsPartial {
				for _, choice := range rsp.Choices {
					content.WriteString(choice.Delta.Content)
				}
				if onChunk != nil {
					onChunk(rsp)
				}
				continue
			}
			if len(rsp.Choices) > 0 {
				final = rsp
			}
		}
	}
}
