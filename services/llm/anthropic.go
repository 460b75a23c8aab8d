// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultBaseURL      = "https://api.anthropic.com/v1/messages"

	// defaultMaxTokens bounds every request unless params override it.
	defaultMaxTokens = 4096

	// cacheControlMinChars is the system prompt length above which the
	// ephemeral prompt-cache marker is attached.
	cacheControlMinChars = 1024
)

// =============================================================================
// Wire Types
// =============================================================================

type anthropicRequest struct {
	Model     string        `json:"model"`
	Messages  []any         `json:"messages"`
	System    []systemBlock `json:"system,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Tools     []any         `json:"tools,omitempty"`
	Stream    bool          `json:"stream,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicPlainMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicBlockMessage is a message whose content is structured blocks
// (text, tool_use, tool_result) rather than a plain string.
type anthropicBlockMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []json.RawMessage `json:"content"`
	StopReason string            `json:"stop_reason,omitempty"`
	Error      *anthropicError   `json:"error,omitempty"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// --- streaming event payloads ---

type anthropicStreamBlockStart struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicStreamBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"` // text_delta | input_json_delta
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicStreamMessageDelta struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
}

type anthropicStreamError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// Client
// =============================================================================

// AnthropicClient talks to the Anthropic Messages API over raw HTTP.
//
// Description:
//
//	Implements Client with both streaming and non-streaming tool-bound
//	calls. The HTTP client is pooled and shared; one AnthropicClient is
//	created at startup and reused for every run.
//
// Thread Safety: Safe for concurrent use.
type AnthropicClient struct {
	httpClient   *http.Client
	streamClient *http.Client
	apiKey       string
	model        string
	baseURL      string
}

// NewAnthropicClientWithConfig creates an AnthropicClient with explicit
// configuration. Useful for tests with mock servers or when configuration
// comes from a source other than environment variables.
func NewAnthropicClientWithConfig(apiKey, model, baseURL string) *AnthropicClient {
	return &AnthropicClient{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		streamClient: &http.Client{Timeout: 5 * time.Minute},
		apiKey:       apiKey,
		model:        model,
		baseURL:      baseURL,
	}
}

// NewAnthropicClient creates a client from the environment.
//
// Description:
//
//	Reads ANTHROPIC_API_KEY (falling back to the container secrets file)
//	and CLAUDE_MODEL. A missing key is a hard error; a missing model name
//	falls back to a default with an informational log.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := os.Getenv("CLAUDE_MODEL")

	if apiKey == "" {
		secretPath := "/run/secrets/anthropic_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API Key from container secrets")
		}
	}

	if apiKey == "" {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("anthropic: API key is missing (ANTHROPIC_API_KEY)")
	}

	if model == "" {
		model = "claude-sonnet-4-20250514"
		slog.Info("CLAUDE_MODEL not set, defaulting to", "model", model)
	}

	return NewAnthropicClientWithConfig(apiKey, model, defaultBaseURL), nil
}

// Model returns the configured model name.
func (a *AnthropicClient) Model() string {
	return a.model
}

// Generate implements Client with a plain one-shot completion.
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	result, err := a.ChatWithTools(ctx, []ChatMessage{{Role: "user", Content: prompt}}, params, nil)
	if err != nil {
		return "", err
	}
	if result.Content == "" {
		return "", fmt.Errorf("anthropic: received content but no text block found")
	}
	return result.Content, nil
}

// ChatWithTools performs a non-streaming tool-bound call.
//
// Description:
//
//	Converts generic ChatMessage and ToolDef values to the Anthropic wire
//	format, including structured content blocks for tool_use and
//	tool_result turns, posts the request, and parses content blocks from
//	the response. This is the fallback path used after a streaming
//	transport failure.
//
// Thread Safety: Safe for concurrent use.
func (a *AnthropicClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	start := time.Now()
	reqPayload := a.buildRequest(messages, params, tools, false)

	bodyBytes, err := a.post(ctx, a.httpClient, reqPayload, "")
	if err != nil {
		observeRequest("anthropic", "sync", "error", time.Since(start))
		return nil, err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		observeRequest("anthropic", "sync", "error", time.Since(start))
		return nil, fmt.Errorf("anthropic: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		observeRequest("anthropic", "sync", "error", time.Since(start))
		return nil, fmt.Errorf("anthropic: API error: %s - %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}

	result := &ChatWithToolsResult{}
	var textParts []string

	for _, raw := range apiResp.Content {
		var block anthropicContentBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			slog.Warn("Failed to parse content block", "error", err)
			continue
		}
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCallResponse{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: input,
			})
		}
	}

	result.Content = strings.Join(textParts, "")
	if len(result.ToolCalls) > 0 {
		result.StopReason = "tool_use"
	} else {
		result.StopReason = "end"
	}

	observeRequest("anthropic", "sync", "ok", time.Since(start))
	return result, nil
}

// ChatWithToolsStream performs a streaming tool-bound call.
//
// Description:
//
//	Streams the response as SSE and assembles it incrementally. Text
//	deltas are forwarded to the callback as tokens. Tool-call argument
//	fragments (input_json_delta) are buffered in a ToolCallAccumulator
//	and surfaced only once the block closes with structurally complete
//	arguments. A truncated block is logged, counted, and dropped rather
//	than dispatched.
//
// Outputs:
//
//	*ChatWithToolsResult - Assembled text and complete tool calls.
//	error                - Non-nil on transport failure, provider error
//	                       event, or callback abort.
//
// Thread Safety: Safe for concurrent use.
func (a *AnthropicClient) ChatWithToolsStream(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef, callback StreamCallback) (*ChatWithToolsResult, error) {

	start := time.Now()
	reqPayload := a.buildRequest(messages, params, tools, true)

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshaling stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("anthropic: creating stream HTTP request: %w", err)
	}
	a.setHeaders(req)
	req.Header.Set("accept", "text/event-stream")

	slog.Debug("Sending streaming request to Anthropic",
		slog.String("model", a.model),
		slog.Int("messages", len(messages)),
		slog.Int("tools", len(tools)),
	)

	resp, err := a.streamClient.Do(req)
	if err != nil {
		observeRequest("anthropic", "stream", "error", time.Since(start))
		if callback != nil {
			_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		}
		return nil, fmt.Errorf("anthropic: stream HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		observeRequest("anthropic", "stream", "error", time.Since(start))
		if readErr != nil {
			return nil, fmt.Errorf("anthropic: reading stream error body (status %d): %w", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("anthropic: stream API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	result, err := a.consumeSSE(ctx, resp.Body, callback)
	if err != nil {
		observeRequest("anthropic", "stream", "error", time.Since(start))
		return nil, err
	}
	observeRequest("anthropic", "stream", "ok", time.Since(start))
	return result, nil
}

// buildRequest converts generic messages and tools to the wire payload.
func (a *AnthropicClient) buildRequest(messages []ChatMessage, params GenerationParams,
	tools []ToolDef, stream bool) anthropicRequest {

	var apiMessages []any
	var systemPrompt string

	for _, msg := range messages {
		switch {
		case strings.EqualFold(msg.Role, "system"):
			systemPrompt = msg.Content

		case msg.Role == "tool" && msg.ToolCallID != "":
			// Tool result → user message with a tool_result block.
			apiMessages = append(apiMessages, anthropicBlockMessage{
				Role: "user",
				Content: []any{anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			var blocks []any
			if msg.Content != "" {
				blocks = append(blocks, anthropicTextBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.ArgumentsOrEmpty(),
				})
			}
			apiMessages = append(apiMessages, anthropicBlockMessage{Role: "assistant", Content: blocks})

		default:
			apiMessages = append(apiMessages, anthropicPlainMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{Type: "text", Text: systemPrompt}
		if len(systemPrompt) > cacheControlMinChars {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	var apiTools []any
	for _, td := range tools {
		apiTools = append(apiTools, anthropicToolDef{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: td.InputSchema,
		})
	}

	reqPayload := anthropicRequest{
		Model:     a.model,
		Messages:  apiMessages,
		System:    systemBlocks,
		MaxTokens: defaultMaxTokens,
		Tools:     apiTools,
		Stream:    stream,
	}

	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.TopP != nil {
		reqPayload.TopP = params.TopP
	}
	if params.TopK != nil {
		reqPayload.TopK = params.TopK
	}
	if len(params.Stop) > 0 {
		reqPayload.StopSeqs = params.Stop
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = *params.MaxTokens
	}

	return reqPayload
}

func (a *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
}

// post marshals and posts a payload, returning the response body on 200.
func (a *AnthropicClient) post(ctx context.Context, client *http.Client, payload anthropicRequest, accept string) ([]byte, error) {
	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("anthropic: creating HTTP request: %w", err)
	}
	a.setHeaders(req)
	if accept != "" {
		req.Header.Set("accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("anthropic: reading response body (status %d): %w", resp.StatusCode, readErr)
	}

	slog.Debug("Anthropic response received",
		slog.Int("status", resp.StatusCode),
		slog.Int("body_length", len(bodyBytes)),
		slog.String("model", a.model),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}
	return bodyBytes, nil
}

// =============================================================================
// SSE Consumption
// =============================================================================

// consumeSSE reads the event stream and assembles the result.
//
// Block handling:
//   - content_block_start (text): opens a text section.
//   - content_block_start (tool_use): opens the accumulator with id + name.
//   - content_block_delta text_delta: forwarded as a token event.
//   - content_block_delta input_json_delta: appended to the accumulator.
//   - content_block_stop: finalizes the open accumulator; an incomplete
//     payload is dropped with a warning and counted, never surfaced.
//   - message_delta: records the stop reason.
//   - error: terminates the stream with the provider's error.
func (a *AnthropicClient) consumeSSE(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatWithToolsResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataBuffer strings.Builder

	result := &ChatWithToolsResult{StopReason: "end"}
	var text strings.Builder
	var acc ToolCallAccumulator

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			if callback != nil {
				_ = callback(StreamEvent{Type: StreamEventError, Error: "stream cancelled"})
			}
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()

		if line == "" {
			if dataBuffer.Len() > 0 && eventType != "" {
				if err := a.handleSSEEvent(eventType, dataBuffer.String(), result, &text, &acc, callback); err != nil {
					return nil, err
				}
				dataBuffer.Reset()
				eventType = ""
			}
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}

	if err := scanner.Err(); err != nil {
		if callback != nil {
			_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		}
		return nil, fmt.Errorf("anthropic: stream read error: %w", err)
	}

	// A stream that ends with an accumulator still open was truncated
	// mid-block. The partial call is dropped, never dispatched.
	if acc.Open() {
		streamIncompleteToolCalls.Inc()
		slog.Warn("Stream ended with incomplete tool call, dropping")
	}

	result.Content = text.String()
	if len(result.ToolCalls) > 0 {
		result.StopReason = "tool_use"
	}
	return result, nil
}

func (a *AnthropicClient) handleSSEEvent(eventType, data string, result *ChatWithToolsResult,
	text *strings.Builder, acc *ToolCallAccumulator, callback StreamCallback) error {

	switch eventType {
	case "content_block_start":
		var start anthropicStreamBlockStart
		if err := json.Unmarshal([]byte(data), &start); err != nil {
			slog.Warn("Failed to parse content_block_start", "error", err)
			return nil
		}
		if start.ContentBlock.Type == "tool_use" {
			acc.Begin(start.ContentBlock.ID, start.ContentBlock.Name)
		}

	case "content_block_delta":
		var delta anthropicStreamBlockDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			slog.Warn("Failed to parse content_block_delta", "error", err, "data", data)
			return nil // keep the stream alive on a malformed delta
		}
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text != "" {
				text.WriteString(delta.Delta.Text)
				if callback != nil {
					if err := callback(StreamEvent{Type: StreamEventToken, Content: delta.Delta.Text}); err != nil {
						return fmt.Errorf("callback error: %w", err)
					}
				}
			}
		case "input_json_delta":
			acc.Append(delta.Delta.PartialJSON)
		}

	case "content_block_stop":
		if !acc.Open() {
			return nil
		}
		call, err := acc.Finalize()
		if err != nil {
			// Incomplete arguments: drop the call, keep the stream.
			streamIncompleteToolCalls.Inc()
			slog.Warn("Dropping tool call with incomplete arguments",
				slog.String("error", err.Error()),
			)
			return nil
		}
		result.ToolCalls = append(result.ToolCalls, call)
		if callback != nil {
			if err := callback(StreamEvent{Type: StreamEventToolCall, ToolCall: &call}); err != nil {
				return fmt.Errorf("callback error: %w", err)
			}
		}

	case "message_delta":
		var md anthropicStreamMessageDelta
		if err := json.Unmarshal([]byte(data), &md); err == nil && md.Delta.StopReason != "" {
			if md.Delta.StopReason == "tool_use" {
				result.StopReason = "tool_use"
			}
		}

	case "error":
		var streamErr anthropicStreamError
		if err := json.Unmarshal([]byte(data), &streamErr); err != nil {
			slog.Warn("Failed to parse error event", "error", err, "data", data)
			if callback != nil {
				_ = callback(StreamEvent{Type: StreamEventError, Error: "stream error"})
			}
			return fmt.Errorf("anthropic: stream error: %s", data)
		}
		errMsg := fmt.Sprintf("%s: %s", streamErr.Error.Type, SafeLogString(streamErr.Error.Message))
		if callback != nil {
			_ = callback(StreamEvent{Type: StreamEventError, Error: errMsg})
		}
		return fmt.Errorf("anthropic: stream error: %s", errMsg)

	case "message_start", "content_block_start_noop", "message_stop", "ping":
		slog.Debug("Received SSE event", "type", eventType)

	default:
		slog.Debug("Unknown SSE event type", "type", eventType)
	}

	return nil
}
