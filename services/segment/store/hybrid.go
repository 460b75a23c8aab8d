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
	"sort"
)

// Default fusion weights. Keyword evidence leads because combined content is
// dense with exact tool-output vocabulary; the vector modality catches
// paraphrase.
const (
	DefaultKeywordWeight = 0.6
	DefaultVectorWeight  = 0.4
)

// rankedHit is one raw sub-query result before fusion. Score is in the
// modality's native scale (BM25 score or vector similarity); fusion only
// assumes higher-is-better.
type rankedHit struct {
	SegmentID  string
	DocumentID string
	IndexID    string
	Content    string
	Score      float64
}

// SearchHit is one fused result.
type SearchHit struct {
	SegmentID  string `json:"segment_id"`
	DocumentID string `json:"document_id"`
	IndexID    string `json:"index_id"`
	Content    string `json:"content"`

	// Score is the fused relevance in [0,1].
	Score float64 `json:"score"`

	// KeywordScore and VectorScore are the per-modality normalized scores
	// that produced Score. Zero when the segment was absent from that
	// modality's ranking.
	KeywordScore float64 `json:"keyword_score"`
	VectorScore  float64 `json:"vector_score"`
}

// SearchResponse carries fused hits plus degradation metadata.
type SearchResponse struct {
	Hits []SearchHit `json:"hits"`

	// Degraded names the single surviving modality ("keyword" or "vector")
	// when the other sub-query failed. Empty for a full hybrid result.
	Degraded string `json:"degraded,omitempty"`
}

// fuseHybrid merges the two modality rankings into one scored list.
//
// Description:
//
//	Each modality's raw scores are min-max normalized to [0,1] so that
//	BM25 magnitudes and vector similarities become comparable; the fused
//	score is the weighted sum of the normalized scores, with 0 substituted
//	for a modality that did not rank the segment. Results below threshold
//	are dropped. Output is ordered by fused score descending, segment id
//	ascending as the tie-break so ordering is deterministic.
//
//	Min-max normalization makes fusion invariant under any positive affine
//	rescaling of either modality's raw scores. The weights are normalized
//	by their sum, so only their ratio matters: (0.6, 0.4) and (6, 4)
//	produce identical fused scores, and the threshold compares against
//	the same [0,1] scale regardless of how the pair was written.
//
// Thread Safety: Pure function.
func fuseHybrid(keyword, vector []rankedHit, keywordWeight, vectorWeight, threshold float64) []SearchHit {
	if sum := keywordWeight + vectorWeight; sum > 0 {
		keywordWeight /= sum
		vectorWeight /= sum
	}

	kwNorm := minMaxNormalize(keyword)
	vecNorm := minMaxNormalize(vector)

	merged := make(map[string]*SearchHit)

	for i, h := range keyword {
		merged[h.SegmentID] = &SearchHit{
			SegmentID:    h.SegmentID,
			DocumentID:   h.DocumentID,
			IndexID:      h.IndexID,
			Content:      h.Content,
			KeywordScore: kwNorm[i],
		}
	}
	for i, h := range vector {
		f, ok := merged[h.SegmentID]
		if !ok {
			f = &SearchHit{
				SegmentID:  h.SegmentID,
				DocumentID: h.DocumentID,
				IndexID:    h.IndexID,
				Content:    h.Content,
			}
			merged[h.SegmentID] = f
		}
		f.VectorScore = vecNorm[i]
	}

	out := make([]SearchHit, 0, len(merged))
	for _, f := range merged {
		f.Score = keywordWeight*f.KeywordScore + vectorWeight*f.VectorScore
		if f.Score >= threshold {
			out = append(out, *f)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SegmentID < out[j].SegmentID
	})
	return out
}

// fuseSingle ranks one surviving modality with weight 1.0. Used for the
// degraded path when the other sub-query failed.
func fuseSingle(hits []rankedHit, modality string, threshold float64) []SearchHit {
	switch modality {
	case "keyword":
		return fuseHybrid(hits, nil, 1.0, 0, threshold)
	default:
		return fuseHybrid(nil, hits, 0, 1.0, threshold)
	}
}

// minMaxNormalize maps raw scores to [0,1] positionally. A uniform ranking
// (all scores equal, including a single hit) normalizes to all 1.0: the
// modality found the results equally relevant, not irrelevant.
func minMaxNormalize(hits []rankedHit) []float64 {
	if len(hits) == 0 {
		return nil
	}

	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}

	out := make([]float64, len(hits))
	if hi == lo {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, h := range hits {
		out[i] = (h.Score - lo) / (hi - lo)
	}
	return out
}
