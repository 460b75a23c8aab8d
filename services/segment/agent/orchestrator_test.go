// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sable/services/llm"
	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/store"
	"github.com/AleutianAI/sable/services/segment/tools"
)

// =============================================================================
// Doubles
// =============================================================================

// scriptedModel returns canned tool-bound results in sequence. streamErrs
// marks calls whose streaming attempt fails, exercising the fallback.
type scriptedModel struct {
	mu         sync.Mutex
	script     []*llm.ChatWithToolsResult
	streamErrs []bool
	syncErrs   []bool
	calls      int
}

func (m *scriptedModel) next() (int, *llm.ChatWithToolsResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if idx >= len(m.script) {
		return idx, &llm.ChatWithToolsResult{Content: "out of script", StopReason: "end"}
	}
	return idx, m.script[idx]
}

func (m *scriptedModel) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return "generated", nil
}

func (m *scriptedModel) ChatWithTools(_ context.Context, _ []llm.ChatMessage, _ llm.GenerationParams, _ []llm.ToolDef) (*llm.ChatWithToolsResult, error) {
	idx, result := m.next()
	if idx < len(m.syncErrs) && m.syncErrs[idx] {
		return nil, fmt.Errorf("sync transport failure")
	}
	return result, nil
}

func (m *scriptedModel) ChatWithToolsStream(ctx context.Context, msgs []llm.ChatMessage, params llm.GenerationParams, defs []llm.ToolDef, _ llm.StreamCallback) (*llm.ChatWithToolsResult, error) {
	m.mu.Lock()
	idx := m.calls
	fail := idx < len(m.streamErrs) && m.streamErrs[idx]
	m.mu.Unlock()
	if fail {
		// The failed streaming attempt does not consume a script entry;
		// the non-streaming retry replays the same decision.
		m.mu.Lock()
		m.streamErrs[idx] = false
		m.mu.Unlock()
		return nil, fmt.Errorf("stream transport failure")
	}
	return m.ChatWithTools(ctx, msgs, params, defs)
}

func toolUse(name, args string) *llm.ChatWithToolsResult {
	return &llm.ChatWithToolsResult{
		StopReason: "tool_use",
		ToolCalls: []llm.ToolCallResponse{
			{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)},
		},
	}
}

func finalText(content string) *llm.ChatWithToolsResult {
	return &llm.ChatWithToolsResult{Content: content, StopReason: "end"}
}

// scriptedTool is a durable or ephemeral tool with a fixed output.
type scriptedTool struct {
	name    string
	kind    datatypes.ToolKind
	durable bool
	content string
	delay   time.Duration
	err     error
	final   bool
}

func (t *scriptedTool) Name() string             { return t.name }
func (t *scriptedTool) Description() string      { return "scripted" }
func (t *scriptedTool) Durable() bool            { return t.durable }
func (t *scriptedTool) Kind() datatypes.ToolKind { return t.kind }
func (t *scriptedTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *scriptedTool) Execute(ctx context.Context, _ map[string]any, _ tools.RunContext) (*tools.ToolResult, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return &tools.ToolResult{Content: t.content, Final: t.final}, nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	orch  *Orchestrator
	store *store.MemoryStore
	model *scriptedModel
}

func newHarness(t *testing.T, model *scriptedModel, maxIter int, extraTools ...tools.Tool) *harness {
	t.Helper()

	memStore := store.NewMemoryStore(nil)

	toolSet := append([]tools.Tool{
		&scriptedTool{
			name:    "text_extraction",
			kind:    datatypes.KindTextExtraction,
			durable: true,
			content: "items: widgets 15, gadgets 25; total: 40",
		},
		tools.NewFinalAnswer(),
	}, extraTools...)

	registry, err := tools.NewRegistry(toolSet...)
	require.NoError(t, err)

	reasoner, err := NewReasoner(model, registry, nil, nil, 0)
	require.NoError(t, err)
	executor, err := NewExecutor(registry, memStore, nil)
	require.NoError(t, err)
	orch, err := NewOrchestrator(reasoner, executor, memStore, nil, WithMaxIterations(maxIter))
	require.NoError(t, err)

	return &harness{orch: orch, store: memStore, model: model}
}

func request() datatypes.Request {
	return datatypes.Request{
		IndexID:    "idx-1",
		DocumentID: "doc-1",
		SegmentID:  "seg-1",
		Query:      "What is the total of the line items?",
		MediaType:  "image",
	}
}

// =============================================================================
// Runs
// =============================================================================

func TestRun_ExtractThenAnswer(t *testing.T) {
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		toolUse("text_extraction", `{}`),
		finalText("The line items total 40."),
	}}
	h := newHarness(t, model, 6)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "The line items total 40.", result.FinalContent)
	assert.Equal(t, 2, result.StepsCount)
	assert.Equal(t, []string{"text_extraction"}, result.ToolsUsed)
	assert.False(t, result.Forced)

	// The durable result landed on the segment document.
	doc, err := h.store.Get(context.Background(), "seg-1")
	require.NoError(t, err)
	require.Len(t, doc.Tools[datatypes.KindTextExtraction], 1)
	assert.Contains(t, doc.ContentCombined, "total: 40")
}

func TestRun_IterationBoundForcesSynthesis(t *testing.T) {
	// The model never answers; every cycle requests another extraction.
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		toolUse("text_extraction", `{}`),
		toolUse("text_extraction", `{}`),
		toolUse("text_extraction", `{}`),
	}}
	h := newHarness(t, model, 1)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, result.Forced)
	assert.Equal(t, 1, result.StepsCount)
	assert.NotEmpty(t, result.FinalContent, "forced termination must synthesize content")
	assert.Contains(t, result.FinalContent, "total: 40",
		"synthesis must carry the gathered tool output")
}

func TestRun_FinalAnswerToolTerminates(t *testing.T) {
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		toolUse("final_answer", `{"content":"Answer via tool."}`),
	}}
	h := newHarness(t, model, 6)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "Answer via tool.", result.FinalContent)
	assert.Equal(t, 1, result.StepsCount)
	assert.False(t, result.Forced)
}

func TestRun_FinalAnswerOnLastCycleMarkedForced(t *testing.T) {
	// A natural final answer that lands exactly on the iteration bound
	// keeps its content but the run counts as forced: steps_count equal
	// to the bound always reads as a forced termination.
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		finalText("Answer on the last permitted cycle."),
	}}
	h := newHarness(t, model, 1)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, 1, result.StepsCount)
	assert.True(t, result.Forced, "steps_count == max_iterations must be marked forced")
	assert.Equal(t, "Answer on the last permitted cycle.", result.FinalContent)
}

func TestRun_FinalToolOnLastCycleMarkedForced(t *testing.T) {
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		toolUse("final_answer", `{"content":"Tool answer at the bound."}`),
	}}
	h := newHarness(t, model, 1)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, 1, result.StepsCount)
	assert.True(t, result.Forced)
	assert.Equal(t, "Tool answer at the bound.", result.FinalContent)
}

func TestRun_EmptyFinalContentSynthesized(t *testing.T) {
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		toolUse("text_extraction", `{}`),
		finalText(""),
	}}
	h := newHarness(t, model, 6)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.False(t, result.Forced)
	assert.NotEmpty(t, result.FinalContent)
	assert.Contains(t, result.FinalContent, "total: 40")
}

func TestRun_UnknownToolIsPerCallError(t *testing.T) {
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCallResponse{
				{ID: "c1", Name: "text_extraction", Arguments: json.RawMessage(`{}`)},
				{ID: "c2", Name: "imaginary_tool", Arguments: json.RawMessage(`{}`)},
			},
		},
		finalText("Done despite the unknown tool."),
	}}
	h := newHarness(t, model, 6)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err, "an unknown tool name must not fail the run")

	assert.Equal(t, "Done despite the unknown tool.", result.FinalContent)
	assert.Equal(t, []string{"text_extraction"}, result.ToolsUsed,
		"the unknown tool must not count as used")
}

func TestRun_StreamFailureFallsBackOnce(t *testing.T) {
	model := &scriptedModel{
		script:     []*llm.ChatWithToolsResult{finalText("Answer after fallback.")},
		streamErrs: []bool{true},
	}
	h := newHarness(t, model, 6)

	result, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "Answer after fallback.", result.FinalContent)
}

func TestRun_RetriedReasonerFailureFailsRun(t *testing.T) {
	model := &scriptedModel{
		script:     []*llm.ChatWithToolsResult{finalText("unreachable")},
		streamErrs: []bool{true},
		syncErrs:   []bool{true},
	}
	h := newHarness(t, model, 6)

	_, err := h.orch.Run(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after retry")
}

func TestRun_InvalidRequest(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, 6)

	_, err := h.orch.Run(context.Background(), datatypes.Request{SegmentID: "seg-1", IndexID: "idx-1"})
	assert.Error(t, err, "missing query must be rejected")

	_, err = h.orch.Run(context.Background(), datatypes.Request{Query: "q", IndexID: "idx-1"})
	assert.Error(t, err, "missing segment id must be rejected")
}

// =============================================================================
// Executor
// =============================================================================

func TestExecuteAll_MergesInInputOrder(t *testing.T) {
	slow := &scriptedTool{name: "slow_tool", content: "slow output", delay: 30 * time.Millisecond}
	fast := &scriptedTool{name: "fast_tool", content: "fast output"}

	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCallResponse{
				{ID: "c1", Name: "slow_tool", Arguments: json.RawMessage(`{}`)},
				{ID: "c2", Name: "fast_tool", Arguments: json.RawMessage(`{}`)},
			},
		},
		finalText("done"),
	}}
	h := newHarness(t, model, 6, slow, fast)

	_, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	// Completion order was fast-then-slow; observed order must be the
	// model's emission order.
	require.GreaterOrEqual(t, h.model.calls, 2)
}

func TestExecuteAll_OrderAndFailureEntries(t *testing.T) {
	memStore := store.NewMemoryStore(nil)
	_, err := memStore.GetOrCreate(context.Background(), "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	registry, err := tools.NewRegistry(
		&scriptedTool{name: "slow_ok", content: "slow", delay: 25 * time.Millisecond},
		&scriptedTool{name: "fast_fail", err: fmt.Errorf("boom")},
		&scriptedTool{name: "fast_ok", content: "fast"},
	)
	require.NoError(t, err)

	executor, err := NewExecutor(registry, memStore, nil)
	require.NoError(t, err)

	state := &datatypes.AgentState{RunID: "r", SegmentID: "seg-1", MaxIterations: 3}
	invocations := []datatypes.ToolInvocation{
		{ID: "1", Name: "slow_ok", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "fast_fail", Arguments: json.RawMessage(`{}`)},
		{ID: "3", Name: "fast_ok", Arguments: json.RawMessage(`{}`)},
	}

	final, err := executor.ExecuteAll(context.Background(), state, invocations, tools.RunContext{SegmentID: "seg-1"})
	require.NoError(t, err)
	assert.Empty(t, final)

	require.Len(t, state.History, 3)
	assert.Equal(t, "slow_ok", state.History[0].Tool)
	assert.Equal(t, "fast_fail", state.History[1].Tool)
	assert.Equal(t, "fast_ok", state.History[2].Tool)
	assert.True(t, state.History[0].Success)
	assert.False(t, state.History[1].Success)
	assert.True(t, state.History[2].Success)

	// Failures surface in context renderings but not in ToolResults.
	assert.Len(t, state.ToolResults, 2)
	assert.Contains(t, state.CombinedContext, "fast_fail (step 1) failed")
	assert.Contains(t, state.CombinedContext, "slow_ok (step 1): slow")
}

// =============================================================================
// Synthesis
// =============================================================================

func TestSynthesizeFromHistory_NeverEmpty(t *testing.T) {
	empty := &datatypes.AgentState{Query: "anything"}
	assert.NotEmpty(t, synthesizeFromHistory(empty))

	withFailures := &datatypes.AgentState{
		Query: "anything",
		History: []datatypes.AnalysisHistoryEntry{
			{Tool: "text_extraction", Content: "timeout", Success: false, Step: 1},
		},
	}
	out := synthesizeFromHistory(withFailures)
	assert.Contains(t, out, "text_extraction")
	assert.Contains(t, out, "did not complete")
}

// =============================================================================
// Pool
// =============================================================================

func TestPool_RunsFleetAndKeepsOrder(t *testing.T) {
	model := &scriptedModel{script: []*llm.ChatWithToolsResult{
		finalText("a1"), finalText("a2"), finalText("a3"), finalText("a4"),
	}}
	h := newHarness(t, model, 6)

	pool, err := NewPool(h.orch, 2, nil)
	require.NoError(t, err)

	reqs := []datatypes.Request{}
	for i := 1; i <= 4; i++ {
		req := request()
		req.SegmentID = fmt.Sprintf("seg-%d", i)
		reqs = append(reqs, req)
	}

	results := pool.RunAll(context.Background(), reqs)
	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, reqs[i].SegmentID, res.Request.SegmentID)
		require.NoError(t, res.Err)
		require.NotNil(t, res.Result)
		assert.True(t, res.Result.Success)
	}
}

func TestPool_FailedRunDoesNotStopBatch(t *testing.T) {
	model := &scriptedModel{
		script:     []*llm.ChatWithToolsResult{finalText("first"), finalText("second")},
		streamErrs: []bool{true},
		syncErrs:   []bool{true},
	}
	h := newHarness(t, model, 6)

	pool, err := NewPool(h.orch, 1, nil)
	require.NoError(t, err)

	reqA := request()
	reqB := request()
	reqB.SegmentID = "seg-2"

	results := pool.RunAll(context.Background(), []datatypes.Request{reqA, reqB})
	require.Len(t, results, 2)

	failures := 0
	for _, res := range results {
		if res.Err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one run fails, the other completes")
}
