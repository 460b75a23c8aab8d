// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent drives bounded reason → act → observe runs over document
// segments: the orchestrator owns the control loop, the reasoner produces
// decisions, the executor dispatches tool batches, and the pool fans runs
// out across a fleet of segments.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/store"
	"github.com/AleutianAI/sable/services/segment/tools"
)

var agentTracer = otel.Tracer("aleutian.segment.agent")

// defaultMaxIterations bounds a run when the caller does not say otherwise.
const defaultMaxIterations = 6

// Orchestrator owns the run state machine.
//
// # Description
//
// One Run call drives one segment analysis to a terminal state:
//
//	THINKING → (ACTING → OBSERVING → THINKING)* → DONE | FORCED_DONE | FAILED
//
// The cycle counter advances once per full cycle, never per tool call.
// Reaching the iteration bound forces termination with synthesized
// content, so every non-failed run ends with a non-empty answer. Any run
// whose counter ends at the bound is marked forced, including a natural
// final answer on the last permitted cycle. FAILED is reached only when
// a reasoning step still fails after its retry.
//
// # Thread Safety
//
// Safe for concurrent use; each Run owns its AgentState exclusively.
type Orchestrator struct {
	reasoner *Reasoner
	executor *Executor
	store    store.SegmentStore
	logger   *slog.Logger

	maxIterations int

	// refreshEmbedding re-embeds the segment's combined content after a
	// run that persisted durable results.
	refreshEmbedding bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxIterations sets the cycle bound for runs.
func WithMaxIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithEmbeddingRefresh makes runs refresh the segment embedding after
// persisting durable results.
func WithEmbeddingRefresh(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.refreshEmbedding = enabled }
}

// NewOrchestrator wires the run loop.
func NewOrchestrator(reasoner *Reasoner, executor *Executor, s store.SegmentStore, logger *slog.Logger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if reasoner == nil || executor == nil || s == nil {
		return nil, fmt.Errorf("orchestrator: reasoner, executor, and store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		reasoner:      reasoner,
		executor:      executor,
		store:         s,
		logger:        logger,
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one analysis to completion.
//
// Outputs:
//
//	*datatypes.FinalResult - The exported result. Non-nil on every
//	                         terminal state except FAILED.
//	error                  - Non-nil only for FAILED (invalid request,
//	                         unreachable store, or a reasoning step that
//	                         failed after its retry).
func (o *Orchestrator) Run(ctx context.Context, req datatypes.Request) (*datatypes.FinalResult, error) {
	ctx, span := agentTracer.Start(ctx, "agent.Run")
	defer span.End()

	if err := validateRequest(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	runID := uuid.NewString()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("segment.id", req.SegmentID),
	)

	start := time.Now()
	logger := o.logger.With(
		slog.String("run_id", runID),
		slog.String("segment_id", req.SegmentID),
	)
	logger.Info("starting segment analysis run",
		slog.String("index_id", req.IndexID),
		slog.Int("max_iterations", o.maxIterations),
	)

	doc, err := o.store.GetOrCreate(ctx, req.SegmentID, req.DocumentID, req.IndexID, req.MediaType)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("run %s: loading segment document: %w", runID, err)
	}

	state := &datatypes.AgentState{
		RunID:           runID,
		IndexID:         req.IndexID,
		DocumentID:      req.DocumentID,
		SegmentID:       req.SegmentID,
		Query:           req.Query,
		MediaContext:    req.MediaContext,
		MaxIterations:   o.maxIterations,
		CombinedContext: doc.ContentCombined,
	}

	rc := tools.RunContext{
		RunID:        runID,
		IndexID:      req.IndexID,
		DocumentID:   req.DocumentID,
		SegmentID:    req.SegmentID,
		MediaType:    req.MediaType,
		MediaURI:     req.MediaURI,
		MediaContext: req.MediaContext,
		Query:        req.Query,
		Store:        o.store,
	}

	result, err := o.loop(ctx, state, rc, logger)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		runDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	o.finish(ctx, state, logger)

	outcome := "done"
	if result.Forced {
		outcome = "forced"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	runCycles.Observe(float64(result.StepsCount))

	logger.Info("segment analysis run finished",
		slog.Int("steps", result.StepsCount),
		slog.Bool("forced", result.Forced),
		slog.Any("tools_used", result.ToolsUsed),
	)
	span.SetAttributes(
		attribute.Int("run.steps", result.StepsCount),
		attribute.Bool("run.forced", result.Forced),
	)
	return result, nil
}

// loop is the state machine proper.
func (o *Orchestrator) loop(ctx context.Context, state *datatypes.AgentState, rc tools.RunContext, logger *slog.Logger) (*datatypes.FinalResult, error) {
	for state.Iteration < state.MaxIterations {
		// THINKING
		decision, err := o.reasoner.Decide(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", state.RunID, err)
		}

		switch decision.Kind {
		case datatypes.DecisionFinal:
			state.Iteration++
			content := decision.FinalContent
			if content == "" {
				// Empty model content with gathered results still
				// terminates; the answer comes from what was observed.
				logger.Warn("model returned empty final content, synthesizing from history")
				content = synthesizeFromHistory(state)
			}
			state.Done = true
			state.Forced = state.Iteration >= state.MaxIterations
			return o.result(state, content, state.Forced), nil

		case datatypes.DecisionInvoke:
			// ACTING + OBSERVING
			rc.Step = state.Iteration + 1
			rc.CombinedContext = state.CombinedContext

			finalContent, err := o.executor.ExecuteAll(ctx, state, decision.Invocations, rc)
			if err != nil {
				return nil, fmt.Errorf("run %s: %w", state.RunID, err)
			}
			state.Iteration++

			if finalContent != "" {
				state.Done = true
				state.Forced = state.Iteration >= state.MaxIterations
				return o.result(state, finalContent, state.Forced), nil
			}

		default:
			return nil, fmt.Errorf("run %s: unknown decision kind %d", state.RunID, decision.Kind)
		}
	}

	// FORCED_DONE: iteration bound reached.
	logger.Warn("iteration bound reached, forcing termination",
		slog.Int("iterations", state.Iteration),
	)
	state.Done = true
	state.Forced = true
	return o.result(state, synthesizeFromHistory(state), true), nil
}

// finish applies post-run side effects that must not affect the result.
func (o *Orchestrator) finish(ctx context.Context, state *datatypes.AgentState, logger *slog.Logger) {
	if !o.refreshEmbedding || len(state.ToolResults) == 0 {
		return
	}
	if err := o.store.RefreshEmbedding(ctx, state.SegmentID); err != nil {
		logger.Warn("post-run embedding refresh failed",
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) result(state *datatypes.AgentState, content string, forced bool) *datatypes.FinalResult {
	return &datatypes.FinalResult{
		Success:      true,
		FinalContent: content,
		StepsCount:   state.Iteration,
		ToolsUsed:    state.ToolsUsed(),
		References:   state.References,
		Forced:       forced,
	}
}

func validateRequest(req datatypes.Request) error {
	if req.SegmentID == "" {
		return fmt.Errorf("request: segment_id is required")
	}
	if req.IndexID == "" {
		return fmt.Errorf("request: index_id is required")
	}
	if req.Query == "" {
		return fmt.Errorf("request: user_query is required")
	}
	return nil
}
