// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

func record(tool, content string, step int) datatypes.ToolResultRecord {
	return datatypes.ToolResultRecord{
		Tool:      tool,
		Content:   content,
		Success:   true,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
}

func TestMemoryStore_GetOrCreateIdempotent(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	_, err = s.AppendResult(ctx, "seg-1", datatypes.KindTextExtraction, record("text_extraction", "hello", 1))
	require.NoError(t, err)

	again, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	assert.Equal(t, first.SegmentID, again.SegmentID)
	assert.Len(t, again.Tools[datatypes.KindTextExtraction], 1,
		"second GetOrCreate must return the existing document, not reset it")
}

func TestMemoryStore_AppendOnlyMonotonicArrays(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	var prevLen int
	for step := 1; step <= 5; step++ {
		doc, err := s.AppendResult(ctx, "seg-1", datatypes.KindAIAnalysis, record("ai_analysis", "r", step))
		require.NoError(t, err)

		records := doc.Tools[datatypes.KindAIAnalysis]
		assert.Len(t, records, prevLen+1, "array length must grow by exactly one")
		prevLen = len(records)

		// Earlier entries are untouched.
		for i, r := range records {
			assert.Equal(t, i+1, r.Step)
		}
	}
}

func TestMemoryStore_AppendRederivesCombinedAndBumpsUpdatedAt(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	created, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	doc, err := s.AppendResult(ctx, "seg-1", datatypes.KindStructuralExtraction, record("structural_extraction", "two columns", 1))
	require.NoError(t, err)

	assert.Contains(t, doc.ContentCombined, "two columns")
	assert.Contains(t, doc.ContentCombined, "## structural_extraction")
	assert.False(t, doc.UpdatedAt.Before(created.UpdatedAt))
}

func TestMemoryStore_ContentWritesNeverTouchVector(t *testing.T) {
	embed := func(_ context.Context, input string) ([]float32, error) {
		return []float32{float32(len(input)), 1}, nil
	}
	s := NewMemoryStore(embed)
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)
	_, err = s.AppendResult(ctx, "seg-1", datatypes.KindTextExtraction, record("text_extraction", "initial", 1))
	require.NoError(t, err)

	require.NoError(t, s.RefreshEmbedding(ctx, "seg-1"))
	refreshed, err := s.Get(ctx, "seg-1")
	require.NoError(t, err)
	vectorAtRefresh := refreshed.Vector
	require.NotEmpty(t, vectorAtRefresh)

	// Content mutation after refresh: vector must lag, unchanged.
	_, err = s.AppendResult(ctx, "seg-1", datatypes.KindTextExtraction, record("text_extraction", "much longer content afterwards", 2))
	require.NoError(t, err)

	after, err := s.Get(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, vectorAtRefresh, after.Vector, "append must never touch the vector")

	// Explicit refresh catches it up.
	require.NoError(t, s.RefreshEmbedding(ctx, "seg-1"))
	caught, err := s.Get(ctx, "seg-1")
	require.NoError(t, err)
	assert.NotEqual(t, vectorAtRefresh, caught.Vector)
}

func TestMemoryStore_UnknownKindRejected(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	_, err = s.AppendResult(ctx, "seg-1", datatypes.ToolKind("nonsense"), record("nonsense", "x", 1))
	assert.Error(t, err)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Get(context.Background(), "absent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_UserContentFeedsCombined(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	doc, err := s.AppendUserContent(ctx, "seg-1", "reviewed by ops, figures verified")
	require.NoError(t, err)

	assert.Contains(t, doc.ContentCombined, "## user_content")
	assert.Contains(t, doc.ContentCombined, "figures verified")
}

func TestMemoryStore_HybridSearchFiltersBothModalities(t *testing.T) {
	embed := func(_ context.Context, input string) ([]float32, error) {
		// Orthogonal-ish deterministic vectors by content length parity.
		if len(input)%2 == 0 {
			return []float32{1, 0}, nil
		}
		return []float32{0, 1}, nil
	}
	s := NewMemoryStore(embed)
	ctx := context.Background()

	seed := func(segID, idxID, content string) {
		_, err := s.GetOrCreate(ctx, segID, "doc-1", idxID, "image")
		require.NoError(t, err)
		_, err = s.AppendResult(ctx, segID, datatypes.KindTextExtraction, record("text_extraction", content, 1))
		require.NoError(t, err)
		require.NoError(t, s.RefreshEmbedding(ctx, segID))
	}
	seed("seg-in", "idx-a", "quarterly invoice totals")
	seed("seg-out", "idx-b", "quarterly invoice totals")

	resp, err := s.HybridSearch(ctx, "invoice", SearchOptions{}, SearchFilters{IndexID: "idx-a"})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Hits)
	for _, h := range resp.Hits {
		assert.Equal(t, "idx-a", h.IndexID,
			"filter must exclude a segment from every modality, not just one")
	}
	assert.Empty(t, resp.Degraded)
}

func TestMemoryStore_HybridSearchDegradedWithoutEmbedder(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)
	_, err = s.AppendResult(ctx, "seg-1", datatypes.KindTextExtraction, record("text_extraction", "invoice totals", 1))
	require.NoError(t, err)

	resp, err := s.HybridSearch(ctx, "invoice", SearchOptions{Threshold: 0.5}, SearchFilters{})
	require.NoError(t, err)

	assert.Equal(t, "keyword", resp.Degraded)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, 1.0, resp.Hits[0].Score, "surviving modality carries weight 1.0")
}

func TestMemoryStore_CallersCannotMutateStoredState(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	doc, err := s.GetOrCreate(ctx, "seg-1", "doc-1", "idx-1", "image")
	require.NoError(t, err)

	doc.Tools[datatypes.KindAIAnalysis] = append(doc.Tools[datatypes.KindAIAnalysis],
		record("ai_analysis", "smuggled", 99))
	doc.ContentCombined = "tampered"

	fresh, err := s.Get(ctx, "seg-1")
	require.NoError(t, err)
	assert.Empty(t, fresh.Tools[datatypes.KindAIAnalysis])
	assert.False(t, strings.Contains(fresh.ContentCombined, "tampered"))
}
