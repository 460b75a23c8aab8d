// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the provider-agnostic model client used by the
// segment analysis reasoner: tool definitions, chat messages with tool-call
// metadata, and a streaming-capable Anthropic client with an incremental
// tool-argument accumulator.
package llm

import (
	"context"
	"encoding/json"
)

// GenerationParams carries optional sampling parameters for a model call.
// Nil pointers mean "use the provider default".
type GenerationParams struct {
	Temperature *float32
	TopP        *float32
	TopK        *int
	MaxTokens   *int
	Stop        []string
}

// ToolDef is the provider-agnostic tool definition bound to a model call.
//
// Description:
//
//	InputSchema is a JSON Schema object ("type": "object" at the top level).
//	Each provider client converts ToolDef into its wire format; the
//	Anthropic client maps it to a tool entry with input_schema.
//
// Thread Safety: ToolDef is immutable and safe for concurrent read access.
type ToolDef struct {
	// Name is the tool name the model will call.
	Name string `json:"name"`

	// Description explains what the tool does, for model guidance.
	Description string `json:"description"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema map[string]any `json:"input_schema"`
}

// ChatMessage is a conversation turn that can carry tool-call metadata.
//
// Regular messages use Role + Content. Assistant messages that requested
// tools include ToolCalls. Tool-result messages set Role "tool" plus
// ToolCallID linking back to the originating call.
type ChatMessage struct {
	Role       string             `json:"role"`
	Content    string             `json:"content,omitempty"`
	ToolCalls  []ToolCallResponse `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
}

// ToolCallResponse is a provider-agnostic tool call emitted by the model.
// Arguments is always a structurally complete JSON object by the time a
// ToolCallResponse is surfaced to callers; incomplete streamed fragments
// are retained inside the accumulator and never escape.
type ToolCallResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsOrEmpty returns the arguments, substituting "{}" for nil/empty.
func (t ToolCallResponse) ArgumentsOrEmpty() json.RawMessage {
	if len(t.Arguments) == 0 {
		return json.RawMessage(`{}`)
	}
	return t.Arguments
}

// ChatWithToolsResult is the provider-agnostic result of a tool-bound call.
type ChatWithToolsResult struct {
	// Content is the text response. May be empty if only tool calls.
	Content string

	// ToolCalls are the complete tool calls from the model, in emission order.
	ToolCalls []ToolCallResponse

	// StopReason is "end" (normal completion) or "tool_use".
	StopReason string
}

// StreamEventType discriminates streaming callback events.
type StreamEventType string

const (
	// StreamEventToken is an incremental text token.
	StreamEventToken StreamEventType = "token"

	// StreamEventToolCall is a fully accumulated, structurally complete
	// tool call. Partial argument fragments never produce this event.
	StreamEventToolCall StreamEventType = "tool_call"

	// StreamEventError is a transport or provider error mid-stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one streaming callback payload.
type StreamEvent struct {
	Type     StreamEventType
	Content  string
	ToolCall *ToolCallResponse
	Error    string
}

// StreamCallback receives streaming events. Returning an error aborts the
// stream and is surfaced to the caller.
type StreamCallback func(StreamEvent) error

// Client is the model endpoint contract the reasoner depends on.
//
// ChatWithToolsStream is the primary path; ChatWithTools is the
// non-streaming form used as the single retry on transport failure.
type Client interface {
	// Generate performs a plain one-shot completion with no tools bound.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatWithTools performs a non-streaming tool-bound call.
	ChatWithTools(ctx context.Context, messages []ChatMessage, params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error)

	// ChatWithToolsStream performs a streaming tool-bound call, invoking
	// callback as tokens and complete tool calls arrive, and returns the
	// assembled result.
	ChatWithToolsStream(ctx context.Context, messages []ChatMessage, params GenerationParams, tools []ToolDef, callback StreamCallback) (*ChatWithToolsResult, error)
}
