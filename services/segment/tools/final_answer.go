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

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

// finalAnswerTool lets the model terminate the run through a tool call.
// Ephemeral; the answer lives in the run result, not the segment document.
type finalAnswerTool struct{}

// NewFinalAnswer creates the final answer tool.
func NewFinalAnswer() Tool {
	return &finalAnswerTool{}
}

func (t *finalAnswerTool) Name() string { return "final_answer" }

func (t *finalAnswerTool) Description() string {
	return "Deliver the final answer to the user's question. Call this once " +
		"the gathered content is sufficient; no further tools run afterwards."
}

func (t *finalAnswerTool) Durable() bool            { return false }
func (t *finalAnswerTool) Kind() datatypes.ToolKind { return "" }

func (t *finalAnswerTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"content": map[string]any{
			"type":        "string",
			"description": "The complete final answer.",
		},
	}, "content")
}

func (t *finalAnswerTool) Execute(_ context.Context, args map[string]any, _ RunContext) (*ToolResult, error) {
	content := stringArg(args, "content")
	if content == "" {
		return nil, fmt.Errorf("final_answer: content is required")
	}
	return &ToolResult{Content: content, Final: true}, nil
}
