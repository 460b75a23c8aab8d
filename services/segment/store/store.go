// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store owns segment document persistence and retrieval: the
// append-only per-kind result arrays, derived combined content, explicit
// embedding refresh, and hybrid keyword+vector search with weighted fusion.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

// ErrNotFound is returned when the requested segment has no document.
var ErrNotFound = errors.New("segment document not found")

// SearchFilters restricts a search by identity keys. Empty fields are not
// applied. Filters apply identically to the keyword and vector sub-queries;
// a segment excluded by filter is excluded from both modalities.
type SearchFilters struct {
	IndexID    string
	DocumentID string
	MediaType  string
}

// SearchOptions controls hybrid search behavior. Zero values select
// defaults: Limit 10, weights 0.6/0.4, threshold 0 (no filtering).
type SearchOptions struct {
	Limit         int
	KeywordWeight float64
	VectorWeight  float64

	// Threshold is an absolute cutoff on the fused score, not a top-k
	// selector. 0 admits everything.
	Threshold float64
}

// withDefaults fills unset options.
func (o SearchOptions) withDefaults() SearchOptions {
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.KeywordWeight == 0 && o.VectorWeight == 0 {
		o.KeywordWeight = DefaultKeywordWeight
		o.VectorWeight = DefaultVectorWeight
	}
	return o
}

// SegmentStore is the persistence contract for segment documents.
//
// Description:
//
//	All mutation operations are append-only with respect to per-kind
//	result arrays and user content: nothing is ever rewritten or removed.
//	Every content mutation re-derives combined content and bumps the
//	update timestamp. The embedding vector changes only through
//	RefreshEmbedding; content writes never touch it, so the vector may
//	lawfully lag combined content between refreshes.
//
// Thread Safety: Implementations are safe for concurrent use across
// segments. Callers serialize writers per segment id.
type SegmentStore interface {
	// GetOrCreate returns the document for segmentID, creating an empty
	// one with the given identity on first touch. Idempotent.
	GetOrCreate(ctx context.Context, segmentID, documentID, indexID, mediaType string) (*datatypes.SegmentDocument, error)

	// Get returns the document for segmentID, or ErrNotFound.
	Get(ctx context.Context, segmentID string) (*datatypes.SegmentDocument, error)

	// AppendResult appends one durable tool result under its kind,
	// re-derives combined content, and bumps the update timestamp. The
	// embedding vector is left untouched. Returns the updated document.
	AppendResult(ctx context.Context, segmentID string, kind datatypes.ToolKind, rec datatypes.ToolResultRecord) (*datatypes.SegmentDocument, error)

	// AppendUserContent appends one user annotation and re-derives
	// combined content the same way AppendResult does.
	AppendUserContent(ctx context.Context, segmentID, content string) (*datatypes.SegmentDocument, error)

	// RefreshEmbedding re-embeds the current combined content and stores
	// the resulting vector. This is the only operation that writes the
	// vector.
	RefreshEmbedding(ctx context.Context, segmentID string) error

	// HybridSearch runs the keyword and vector sub-queries with identical
	// filters, fuses their normalized scores, and applies the threshold.
	// If exactly one sub-query fails the response carries the surviving
	// modality's ranking with Degraded set; if both fail an error is
	// returned.
	HybridSearch(ctx context.Context, query string, opts SearchOptions, filters SearchFilters) (*SearchResponse, error)
}
