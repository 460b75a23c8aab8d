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
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

// EmbedFunc computes an embedding vector. The in-memory store takes a bare
// function instead of the full embedder so tests can script vectors.
type EmbedFunc func(ctx context.Context, input string) ([]float32, error)

// MemoryStore is an in-process SegmentStore.
//
// # Description
//
// Backs tests and local single-process runs where no Weaviate is
// available. Honors the same contract as WeaviateStore: append-only
// arrays, re-derived combined content, vector written only on refresh.
// Keyword scoring is term-frequency over combined content; vector scoring
// is cosine similarity against refreshed vectors. Both feed the same
// fusion as the Weaviate path.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]*datatypes.SegmentDocument
	embed EmbedFunc
}

// NewMemoryStore creates an empty store. embed may be nil, which makes
// RefreshEmbedding an error and searches keyword-degraded.
func NewMemoryStore(embed EmbedFunc) *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]*datatypes.SegmentDocument),
		embed: embed,
	}
}

// GetOrCreate implements SegmentStore.
func (m *MemoryStore) GetOrCreate(_ context.Context, segmentID, documentID, indexID, mediaType string) (*datatypes.SegmentDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[segmentID]; ok {
		return cloneDoc(doc), nil
	}
	doc := datatypes.NewSegmentDocument(segmentID, documentID, indexID, mediaType, time.Now().UTC())
	doc.ContentCombined = datatypes.CombineContent(doc)
	m.docs[segmentID] = doc
	return cloneDoc(doc), nil
}

// Get implements SegmentStore.
func (m *MemoryStore) Get(_ context.Context, segmentID string) (*datatypes.SegmentDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[segmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

// AppendResult implements SegmentStore.
func (m *MemoryStore) AppendResult(_ context.Context, segmentID string, kind datatypes.ToolKind, rec datatypes.ToolResultRecord) (*datatypes.SegmentDocument, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("append result: unknown tool kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[segmentID]
	if !ok {
		return nil, ErrNotFound
	}

	doc.Tools[kind] = append(doc.Tools[kind], rec)
	doc.ContentCombined = datatypes.CombineContent(doc)
	doc.UpdatedAt = time.Now().UTC()
	return cloneDoc(doc), nil
}

// AppendUserContent implements SegmentStore.
func (m *MemoryStore) AppendUserContent(_ context.Context, segmentID, content string) (*datatypes.SegmentDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[segmentID]
	if !ok {
		return nil, ErrNotFound
	}

	doc.UserContent = append(doc.UserContent, content)
	doc.ContentCombined = datatypes.CombineContent(doc)
	doc.UpdatedAt = time.Now().UTC()
	return cloneDoc(doc), nil
}

// RefreshEmbedding implements SegmentStore.
func (m *MemoryStore) RefreshEmbedding(ctx context.Context, segmentID string) error {
	if m.embed == nil {
		return fmt.Errorf("refresh embedding: no embedder configured")
	}

	m.mu.Lock()
	doc, ok := m.docs[segmentID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	content := doc.ContentCombined
	m.mu.Unlock()

	vec, err := m.embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding segment %s: %w", segmentID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[segmentID]; ok {
		doc.Vector = vec
	}
	return nil
}

// HybridSearch implements SegmentStore over the in-memory corpus.
func (m *MemoryStore) HybridSearch(ctx context.Context, query string, opts SearchOptions, sf SearchFilters) (*SearchResponse, error) {
	opts = opts.withDefaults()

	m.mu.RLock()
	candidates := make([]*datatypes.SegmentDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		if matchesFilters(doc, sf) {
			candidates = append(candidates, doc)
		}
	}
	m.mu.RUnlock()

	var keyword []rankedHit
	for _, doc := range candidates {
		score := termFrequency(query, doc.ContentCombined)
		if score > 0 {
			keyword = append(keyword, rankedHit{
				SegmentID:  doc.SegmentID,
				DocumentID: doc.DocumentID,
				IndexID:    doc.IndexID,
				Content:    doc.ContentCombined,
				Score:      score,
			})
		}
	}

	var vector []rankedHit
	var vecErr error
	if m.embed == nil {
		vecErr = fmt.Errorf("no embedder configured")
	} else {
		queryVec, err := m.embed(ctx, query)
		if err != nil {
			vecErr = err
		} else {
			for _, doc := range candidates {
				if len(doc.Vector) == 0 {
					continue
				}
				vector = append(vector, rankedHit{
					SegmentID:  doc.SegmentID,
					DocumentID: doc.DocumentID,
					IndexID:    doc.IndexID,
					Content:    doc.ContentCombined,
					Score:      cosine(queryVec, doc.Vector),
				})
			}
		}
	}

	var resp *SearchResponse
	if vecErr != nil {
		resp = &SearchResponse{
			Hits:     fuseSingle(keyword, "keyword", opts.Threshold),
			Degraded: "keyword",
		}
	} else {
		resp = &SearchResponse{
			Hits: fuseHybrid(keyword, vector, opts.KeywordWeight, opts.VectorWeight, opts.Threshold),
		}
	}

	if len(resp.Hits) > opts.Limit {
		resp.Hits = resp.Hits[:opts.Limit]
	}
	return resp, nil
}

func matchesFilters(doc *datatypes.SegmentDocument, sf SearchFilters) bool {
	if sf.IndexID != "" && doc.IndexID != sf.IndexID {
		return false
	}
	if sf.DocumentID != "" && doc.DocumentID != sf.DocumentID {
		return false
	}
	if sf.MediaType != "" && doc.MediaType != sf.MediaType {
		return false
	}
	return true
}

// termFrequency counts query term occurrences in content, case-insensitive.
func termFrequency(query, content string) float64 {
	content = strings.ToLower(content)
	var score float64
	for _, term := range strings.Fields(strings.ToLower(query)) {
		score += float64(strings.Count(content, term))
	}
	return score
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// cloneDoc deep-copies a document so callers cannot mutate stored state.
func cloneDoc(doc *datatypes.SegmentDocument) *datatypes.SegmentDocument {
	out := *doc
	out.Tools = make(map[datatypes.ToolKind][]datatypes.ToolResultRecord, len(doc.Tools))
	for kind, records := range doc.Tools {
		out.Tools[kind] = append([]datatypes.ToolResultRecord(nil), records...)
	}
	out.UserContent = append([]string(nil), doc.UserContent...)
	out.Vector = append([]float32(nil), doc.Vector...)
	return &out
}
