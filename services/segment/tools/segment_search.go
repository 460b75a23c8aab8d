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

	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/store"
)

// searchSnippetChars bounds each rendered hit so a broad search cannot
// flood the observation.
const searchSnippetChars = 400

// segmentSearchTool retrieves related segments by hybrid search. Ephemeral:
// search results describe other segments and are not part of this
// segment's durable record.
type segmentSearchTool struct {
	store store.SegmentStore
}

// NewSegmentSearch creates the search tool.
func NewSegmentSearch(s store.SegmentStore) Tool {
	return &segmentSearchTool{store: s}
}

func (t *segmentSearchTool) Name() string { return "segment_search" }

func (t *segmentSearchTool) Description() string {
	return "Search other segments in the same index by meaning and keywords. " +
		"Use to pull in related context from elsewhere in the document set."
}

func (t *segmentSearchTool) Durable() bool            { return false }
func (t *segmentSearchTool) Kind() datatypes.ToolKind { return "" }

func (t *segmentSearchTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "What to search for.",
		},
		"limit": map[string]any{
			"type":        "integer",
			"description": "Maximum results to return. Default 5.",
		},
		"document_only": map[string]any{
			"type":        "boolean",
			"description": "Restrict to the current document. Default false (whole index).",
		},
	}, "query")
}

func (t *segmentSearchTool) Execute(ctx context.Context, args map[string]any, rc RunContext) (*ToolResult, error) {
	if t.store == nil {
		return nil, fmt.Errorf("segment_search: store not configured")
	}

	query := stringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("segment_search: query is required")
	}

	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = 5
	}

	filters := store.SearchFilters{IndexID: rc.IndexID}
	if docOnly, _ := args["document_only"].(bool); docOnly {
		filters.DocumentID = rc.DocumentID
	}

	resp, err := t.store.HybridSearch(ctx, query, store.SearchOptions{Limit: limit}, filters)
	if err != nil {
		return nil, fmt.Errorf("segment_search: %w", err)
	}

	if len(resp.Hits) == 0 {
		return &ToolResult{Content: fmt.Sprintf("No segments matched %q.", query)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d related segments for %q", len(resp.Hits), query)
	if resp.Degraded != "" {
		fmt.Fprintf(&b, " (%s-only ranking)", resp.Degraded)
	}
	b.WriteString(":\n")

	refs := make([]datatypes.Reference, 0, len(resp.Hits))
	for i, hit := range resp.Hits {
		snippet := hit.Content
		if len(snippet) > searchSnippetChars {
			snippet = snippet[:searchSnippetChars] + "…"
		}
		fmt.Fprintf(&b, "\n%d. segment %s (score %.2f):\n%s\n", i+1, hit.SegmentID, hit.Score, snippet)

		refs = append(refs, datatypes.Reference{
			ID:          hit.SegmentID,
			Type:        "segment",
			Value:       hit.SegmentID,
			Title:       fmt.Sprintf("segment %s", hit.SegmentID),
			Description: fmt.Sprintf("hybrid score %.2f", hit.Score),
		})
	}

	structured := map[string]any{
		"query":     query,
		"hit_count": len(resp.Hits),
	}
	if resp.Degraded != "" {
		structured["degraded"] = resp.Degraded
	}

	return &ToolResult{
		Content:    b.String(),
		Structured: structured,
		References: refs,
	}, nil
}
