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

	"github.com/AleutianAI/sable/services/segment/blob"
	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/extract"
)

// extractionTool is the shared implementation behind the structural and
// text extraction tools; they differ only in mode, kind, and schema text.
type extractionTool struct {
	name        string
	description string
	kind        datatypes.ToolKind
	mode        extract.Mode
	blobs       blob.Store
	client      extract.Client
}

// NewStructuralExtraction creates the layout extraction tool.
func NewStructuralExtraction(blobs blob.Store, client extract.Client) Tool {
	return &extractionTool{
		name: "structural_extraction",
		description: "Extract the layout structure of the segment media: regions, " +
			"tables, headings, and reading order. Use before text analysis on " +
			"visually structured media.",
		kind:   datatypes.KindStructuralExtraction,
		mode:   extract.ModeStructural,
		blobs:  blobs,
		client: client,
	}
}

// NewTextExtraction creates the plain text extraction tool.
func NewTextExtraction(blobs blob.Store, client extract.Client) Tool {
	return &extractionTool{
		name: "text_extraction",
		description: "Extract the plain text content of the segment media. " +
			"Use when the question needs the segment's verbatim text.",
		kind:   datatypes.KindTextExtraction,
		mode:   extract.ModeText,
		blobs:  blobs,
		client: client,
	}
}

func (t *extractionTool) Name() string             { return t.name }
func (t *extractionTool) Description() string      { return t.description }
func (t *extractionTool) Durable() bool            { return true }
func (t *extractionTool) Kind() datatypes.ToolKind { return t.kind }

func (t *extractionTool) InputSchema() map[string]any {
	// The segment's media is implied by the run; the tool takes no
	// arguments.
	return objectSchema(map[string]any{})
}

func (t *extractionTool) Execute(ctx context.Context, _ map[string]any, rc RunContext) (*ToolResult, error) {
	if t.blobs == nil || t.client == nil {
		return nil, fmt.Errorf("%s: extraction collaborators not configured", t.name)
	}
	if rc.MediaURI == "" {
		return nil, fmt.Errorf("%s: segment %s has no media uri", t.name, rc.SegmentID)
	}

	media, err := t.blobs.Fetch(ctx, rc.MediaURI)
	if err != nil {
		return nil, fmt.Errorf("%s: fetching media: %w", t.name, err)
	}

	result, err := t.client.Extract(ctx, extract.Request{
		Media:     media,
		MediaType: rc.MediaType,
		Mode:      t.mode,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}

	return &ToolResult{
		Content:    result.Content,
		Structured: result.Structured,
		References: []datatypes.Reference{{
			ID:    rc.SegmentID + "/" + t.name,
			Type:  "segment_media",
			Value: rc.MediaURI,
			Title: t.name,
		}},
	}, nil
}
