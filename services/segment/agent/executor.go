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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/store"
	"github.com/AleutianAI/sable/services/segment/tools"
)

// executorMaxParallel bounds concurrent tool executions within one batch.
const executorMaxParallel = 4

// observationSnippetChars bounds each history rendering inside the
// recomputed combined context.
const observationSnippetChars = 600

// Executor dispatches one batch of tool invocations.
//
// # Description
//
// Invocations run concurrently and their outcomes are merged back in input
// order, so the observed sequence is deterministic regardless of
// completion order. A per-call failure (unknown tool, bad arguments,
// execution error) becomes a failed history entry, never a batch error.
// Durable successes are persisted under the tool's declared kind;
// persistence failures are logged and the run continues on in-memory
// state. After the merge the combined context is recomputed from the
// store's current document plus per-step observation renderings.
//
// # Thread Safety
//
// Safe for concurrent use across runs; a single run's batches are
// sequential by construction.
type Executor struct {
	registry *tools.Registry
	store    store.SegmentStore
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(registry *tools.Registry, s store.SegmentStore, logger *slog.Logger) (*Executor, error) {
	if registry == nil {
		return nil, fmt.Errorf("executor: tool registry must not be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("executor: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, store: s, logger: logger}, nil
}

// batchOutcome is one invocation's result, indexed for the ordered merge.
type batchOutcome struct {
	observation datatypes.ToolObservation
	result      *tools.ToolResult
	durable     bool
	kind        datatypes.ToolKind
}

// ExecuteAll runs the batch and folds the outcomes into state.
//
// Outputs:
//
//	string - The final answer, non-empty when a tool in the batch
//	         delivered one. The first final result in input order wins.
//	error  - Non-nil only on context cancellation; per-call failures are
//	         folded into state as failed entries.
func (e *Executor) ExecuteAll(ctx context.Context, state *datatypes.AgentState, invocations []datatypes.ToolInvocation, rc tools.RunContext) (string, error) {
	if len(invocations) == 0 {
		return "", nil
	}

	outcomes := make([]batchOutcome, len(invocations))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, executorMaxParallel)

	for i, inv := range invocations {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			outcomes[i] = e.executeOne(gctx, inv, rc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("executing tool batch: %w", err)
	}

	// Merge in input order.
	step := state.Iteration + 1
	var finalContent string
	for _, outcome := range outcomes {
		obs := outcome.observation

		state.History = append(state.History, datatypes.AnalysisHistoryEntry{
			Tool:      obs.Tool,
			Content:   obs.Message,
			Success:   obs.Success,
			Step:      step,
			Timestamp: time.Now().UTC(),
		})

		if !obs.Success {
			continue
		}
		state.ToolResults = append(state.ToolResults, obs)

		if outcome.result != nil {
			state.References = mergeReferences(state.References, outcome.result.References)
			if outcome.result.Final && finalContent == "" {
				finalContent = outcome.result.Content
			}
		}

		if outcome.durable {
			e.persistResult(ctx, state, outcome, step)
		}
	}

	e.recomputeCombinedContext(ctx, state)
	return finalContent, nil
}

// executeOne runs a single invocation, converting every failure mode into
// a failed observation.
func (e *Executor) executeOne(ctx context.Context, inv datatypes.ToolInvocation, rc tools.RunContext) batchOutcome {
	start := time.Now()

	fail := func(msg string) batchOutcome {
		toolExecutionsTotal.WithLabelValues(inv.Name, "error").Inc()
		return batchOutcome{observation: datatypes.ToolObservation{
			Tool:          inv.Name,
			Success:       false,
			Message:       msg,
			ExecutionTime: time.Since(start),
		}}
	}

	tool, ok := e.registry.Get(inv.Name)
	if !ok {
		e.logger.Warn("model requested unknown tool",
			slog.String("tool", inv.Name),
			slog.String("segment_id", rc.SegmentID),
		)
		return fail(fmt.Sprintf("unknown tool %q; available tools: %s",
			inv.Name, strings.Join(e.registry.Names(), ", ")))
	}

	args, err := inv.ArgumentsMap()
	if err != nil {
		return fail(fmt.Sprintf("invalid arguments: %v", err))
	}

	result, err := tool.Execute(ctx, args, rc)
	if err != nil {
		return fail(fmt.Sprintf("execution failed: %v", err))
	}

	toolExecutionsTotal.WithLabelValues(inv.Name, "ok").Inc()
	toolExecutionDuration.WithLabelValues(inv.Name).Observe(time.Since(start).Seconds())

	return batchOutcome{
		observation: datatypes.ToolObservation{
			Tool:          inv.Name,
			Success:       true,
			Message:       result.Content,
			Structured:    result.Structured,
			ExecutionTime: time.Since(start),
		},
		result:  result,
		durable: tool.Durable(),
		kind:    tool.Kind(),
	}
}

// persistResult appends a durable outcome to the segment document. Failure
// is logged, never fatal: the run proceeds on in-memory state and the
// store's cache fallback preserves what it can.
func (e *Executor) persistResult(ctx context.Context, state *datatypes.AgentState, outcome batchOutcome, step int) {
	obs := outcome.observation
	_, err := e.store.AppendResult(ctx, state.SegmentID, outcome.kind, datatypes.ToolResultRecord{
		Tool:       obs.Tool,
		Content:    obs.Message,
		Success:    true,
		Step:       step,
		Timestamp:  time.Now().UTC(),
		Structured: obs.Structured,
	})
	if err != nil {
		e.logger.Warn("durable tool result not persisted, continuing with run state",
			slog.String("run_id", state.RunID),
			slog.String("segment_id", state.SegmentID),
			slog.String("tool", obs.Tool),
			slog.String("error", err.Error()),
		)
	}
}

// recomputeCombinedContext rebuilds state.CombinedContext: the segment
// document's current combined content first, then per-step observation
// renderings. Deterministic given the same store state and history.
func (e *Executor) recomputeCombinedContext(ctx context.Context, state *datatypes.AgentState) {
	var b strings.Builder

	doc, err := e.store.Get(ctx, state.SegmentID)
	if err != nil {
		e.logger.Warn("combined context recompute: store read failed, using history only",
			slog.String("segment_id", state.SegmentID),
			slog.String("error", err.Error()),
		)
	} else if doc.ContentCombined != "" {
		b.WriteString(doc.ContentCombined)
	}

	for _, entry := range state.History {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		content := entry.Content
		if len(content) > observationSnippetChars {
			content = content[:observationSnippetChars] + "…"
		}
		if entry.Success {
			fmt.Fprintf(&b, "%s (step %d): %s", entry.Tool, entry.Step, content)
		} else {
			fmt.Fprintf(&b, "%s (step %d) failed: %s", entry.Tool, entry.Step, content)
		}
	}

	state.CombinedContext = b.String()
}

// mergeReferences appends refs not already present, keyed by ID.
func mergeReferences(existing, incoming []datatypes.Reference) []datatypes.Reference {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.ID] = true
	}
	for _, r := range incoming {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		existing = append(existing, r)
	}
	return existing
}
