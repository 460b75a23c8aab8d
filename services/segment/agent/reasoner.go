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

	"golang.org/x/time/rate"

	"github.com/AleutianAI/sable/services/llm"
	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/tools"
)

// defaultContextBudgetChars bounds the combined context carried into each
// prompt. Oldest content is truncated first; the newest observations are
// the ones the next decision needs.
const defaultContextBudgetChars = 24_000

// systemPrompt is the fixed instruction preamble for every cycle.
const systemPrompt = `You are a document segment analyst. You answer one question about one segment of a document by gathering evidence with tools and then answering.

Rules:
- Call tools to gather the evidence you are missing. You may request several tools at once; they run together.
- Prior extractions and analyses of this segment are provided as context. Do not re-run a tool whose output is already in the context unless the question demands a different angle.
- When the evidence is sufficient, answer directly, or call final_answer with the complete answer.
- Answer only from gathered evidence. If the evidence cannot answer the question, say so plainly.`

// Reasoner produces one Decision per cycle from the run state.
//
// # Description
//
// Assembles the prompt (system instructions, bounded combined context,
// conversation turns, query), binds the tool registry, and calls the
// model. The streaming path is primary; a transport failure is retried
// exactly once on the non-streaming path. A still-failing retry is the
// run's failure.
//
// Transport errors are returned as ordinary errors next to a nil
// Decision; they are never encoded inside the Decision.
//
// # Thread Safety
//
// Safe for concurrent use across runs; the rate limiter serializes model
// access globally.
type Reasoner struct {
	client        llm.Client
	registry      *tools.Registry
	limiter       *rate.Limiter
	logger        *slog.Logger
	contextBudget int
}

// NewReasoner creates a Reasoner. limiter gates every model call and must
// be shared by all runs in the process; logger may be nil; budget <= 0
// selects the default.
func NewReasoner(client llm.Client, registry *tools.Registry, limiter *rate.Limiter, logger *slog.Logger, contextBudget int) (*Reasoner, error) {
	if client == nil {
		return nil, fmt.Errorf("reasoner: model client must not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("reasoner: tool registry must not be nil")
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if contextBudget <= 0 {
		contextBudget = defaultContextBudgetChars
	}
	return &Reasoner{
		client:        client,
		registry:      registry,
		limiter:       limiter,
		logger:        logger,
		contextBudget: contextBudget,
	}, nil
}

// Decide runs one reasoning step.
func (r *Reasoner) Decide(ctx context.Context, state *datatypes.AgentState) (*datatypes.Decision, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("reasoner: rate limit wait: %w", err)
	}

	messages := r.buildMessages(state)
	defs := r.registry.Defs()

	result, err := r.client.ChatWithToolsStream(ctx, messages, llm.GenerationParams{}, defs, nil)
	if err != nil {
		r.logger.Warn("streaming model call failed, retrying non-streaming",
			slog.String("run_id", state.RunID),
			slog.String("error", llm.SafeLogString(err.Error())),
		)
		reasonerFallbacksTotal.Inc()

		result, err = r.client.ChatWithTools(ctx, messages, llm.GenerationParams{}, defs)
		if err != nil {
			return nil, fmt.Errorf("reasoner: model call failed after retry: %w", err)
		}
	}

	if len(result.ToolCalls) > 0 {
		invocations := make([]datatypes.ToolInvocation, len(result.ToolCalls))
		for i, call := range result.ToolCalls {
			invocations[i] = datatypes.ToolInvocation{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.ArgumentsOrEmpty(),
			}
		}
		if result.Content != "" {
			state.Messages = append(state.Messages, datatypes.Message{Role: "assistant", Content: result.Content})
		}
		return &datatypes.Decision{Kind: datatypes.DecisionInvoke, Invocations: invocations}, nil
	}

	return &datatypes.Decision{Kind: datatypes.DecisionFinal, FinalContent: result.Content}, nil
}

// buildMessages assembles the cycle's conversation.
func (r *Reasoner) buildMessages(state *datatypes.AgentState) []llm.ChatMessage {
	system := systemPrompt
	if state.MediaContext != "" {
		system += "\n\nMedia context: " + state.MediaContext
	}

	messages := []llm.ChatMessage{{Role: "system", Content: system}}

	var first strings.Builder
	if ctxText := truncateOldest(state.CombinedContext, r.contextBudget); ctxText != "" {
		first.WriteString("Known content of this segment:\n")
		first.WriteString(ctxText)
		first.WriteString("\n\n")
	}
	first.WriteString("Question: ")
	first.WriteString(state.Query)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: first.String()})

	for _, m := range state.Messages {
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return messages
}

// truncateOldest keeps the newest budget chars of s. Combined context is
// assembled oldest-first, so dropping the head drops the oldest content.
// The cut lands on the next line boundary to avoid splitting a rendering.
func truncateOldest(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	cut := s[len(s)-budget:]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx+1 < len(cut) {
		cut = cut[idx+1:]
	}
	return "[earlier content truncated]\n" + cut
}
