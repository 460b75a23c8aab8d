// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/sable/services/llm"
	"github.com/AleutianAI/sable/services/segment/datatypes"
)

// aiAnalysisTool asks the model to analyze the segment using everything
// extracted so far. Its output is durable: analysis accumulates on the
// segment document across runs.
type aiAnalysisTool struct {
	client llm.Client
}

// NewAIAnalysis creates the analysis tool on a model client.
func NewAIAnalysis(client llm.Client) Tool {
	return &aiAnalysisTool{client: client}
}

func (t *aiAnalysisTool) Name() string { return "ai_analysis" }

func (t *aiAnalysisTool) Description() string {
	return "Run a focused analysis of the segment using the content gathered " +
		"so far. Provide a prompt describing what to analyze; the segment's " +
		"extracted content is included automatically."
}

func (t *aiAnalysisTool) Durable() bool            { return true }
func (t *aiAnalysisTool) Kind() datatypes.ToolKind { return datatypes.KindAIAnalysis }

func (t *aiAnalysisTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"prompt": map[string]any{
			"type":        "string",
			"description": "What to analyze about the segment.",
		},
	}, "prompt")
}

func (t *aiAnalysisTool) Execute(ctx context.Context, args map[string]any, rc RunContext) (*ToolResult, error) {
	if t.client == nil {
		return nil, fmt.Errorf("ai_analysis: model client not configured")
	}

	prompt := stringArg(args, "prompt")
	if prompt == "" {
		prompt = rc.Query
	}
	if prompt == "" {
		return nil, fmt.Errorf("ai_analysis: no prompt and no run query")
	}

	var b strings.Builder
	b.WriteString("Analyze the following content from a document segment.\n\n")
	if rc.MediaContext != "" {
		fmt.Fprintf(&b, "Media context: %s\n\n", rc.MediaContext)
	}
	if rc.CombinedContext != "" {
		b.WriteString("Segment content:\n")
		b.WriteString(rc.CombinedContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Task: ")
	b.WriteString(prompt)

	content, err := t.client.Generate(ctx, b.String(), llm.GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("ai_analysis: %w", err)
	}
	if content == "" {
		return nil, fmt.Errorf("ai_analysis: model returned empty analysis")
	}

	return &ToolResult{Content: content}, nil
}
