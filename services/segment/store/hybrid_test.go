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
	"math"
	"testing"
)

func hitIDs(hits []SearchHit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.SegmentID
	}
	return ids
}

func TestFuseHybrid_WeightedCombination(t *testing.T) {
	keyword := []rankedHit{
		{SegmentID: "a", Score: 10},
		{SegmentID: "b", Score: 5},
		{SegmentID: "c", Score: 0},
	}
	vector := []rankedHit{
		{SegmentID: "b", Score: 0.9},
		{SegmentID: "c", Score: 0.8},
		{SegmentID: "d", Score: 0.1},
	}

	hits := fuseHybrid(keyword, vector, 0.6, 0.4, 0)

	byID := make(map[string]SearchHit)
	for _, h := range hits {
		byID[h.SegmentID] = h
	}

	// a: kw normalized 1.0, no vector → 0.6
	if got := byID["a"].Score; math.Abs(got-0.6) > 1e-9 {
		t.Errorf("score(a) = %v, want 0.6", got)
	}
	// b: kw 0.5, vec 1.0 → 0.3 + 0.4 = 0.7
	if got := byID["b"].Score; math.Abs(got-0.7) > 1e-9 {
		t.Errorf("score(b) = %v, want 0.7", got)
	}
	// c: kw 0, vec 0.875 → 0.35
	if got := byID["c"].Score; math.Abs(got-0.35) > 1e-9 {
		t.Errorf("score(c) = %v, want 0.35", got)
	}
	// d: vector only, normalized 0 → 0
	if got := byID["d"].Score; got != 0 {
		t.Errorf("score(d) = %v, want 0", got)
	}

	// Ordering: b > a > c > d.
	want := []string{"b", "a", "c", "d"}
	got := hitIDs(hits)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFuseHybrid_RescalingInvariance(t *testing.T) {
	keyword := []rankedHit{
		{SegmentID: "a", Score: 3.2},
		{SegmentID: "b", Score: 1.1},
		{SegmentID: "c", Score: 0.4},
	}
	vector := []rankedHit{
		{SegmentID: "a", Score: 0.91},
		{SegmentID: "c", Score: 0.88},
		{SegmentID: "d", Score: 0.12},
	}

	base := fuseHybrid(keyword, vector, 0.6, 0.4, 0)

	// Positive affine rescaling of raw scores must not change the fused
	// scores: min-max normalization absorbs it.
	scale := func(hits []rankedHit, mul, add float64) []rankedHit {
		out := make([]rankedHit, len(hits))
		for i, h := range hits {
			h.Score = h.Score*mul + add
			out[i] = h
		}
		return out
	}
	rescaled := fuseHybrid(scale(keyword, 37.5, 12), scale(vector, 0.003, -5), 0.6, 0.4, 0)

	if len(base) != len(rescaled) {
		t.Fatalf("hit counts differ: %d vs %d", len(base), len(rescaled))
	}
	for i := range base {
		if base[i].SegmentID != rescaled[i].SegmentID {
			t.Errorf("position %d: %s vs %s", i, base[i].SegmentID, rescaled[i].SegmentID)
		}
		if math.Abs(base[i].Score-rescaled[i].Score) > 1e-9 {
			t.Errorf("score(%s) = %v vs %v", base[i].SegmentID, base[i].Score, rescaled[i].Score)
		}
	}
}

func TestFuseHybrid_WeightPairRescalingInvariance(t *testing.T) {
	keyword := []rankedHit{
		{SegmentID: "a", Score: 3.2},
		{SegmentID: "b", Score: 1.1},
		{SegmentID: "c", Score: 0.4},
	}
	vector := []rankedHit{
		{SegmentID: "a", Score: 0.91},
		{SegmentID: "c", Score: 0.88},
		{SegmentID: "d", Score: 0.12},
	}

	// Uniformly rescaling the weight pair must not change the result set
	// or the fused scores. The threshold makes a disagreement visible:
	// unnormalized weights (6, 4) would push sums past it.
	base := fuseHybrid(keyword, vector, 0.6, 0.4, 0.5)
	rescaled := fuseHybrid(keyword, vector, 6, 4, 0.5)

	if len(base) != len(rescaled) {
		t.Fatalf("hit counts differ under uniform weight rescaling: %d (0.6/0.4) vs %d (6/4)",
			len(base), len(rescaled))
	}
	for i := range base {
		if base[i].SegmentID != rescaled[i].SegmentID {
			t.Errorf("position %d: %s vs %s", i, base[i].SegmentID, rescaled[i].SegmentID)
		}
		if math.Abs(base[i].Score-rescaled[i].Score) > 1e-9 {
			t.Errorf("score(%s) = %v vs %v", base[i].SegmentID, base[i].Score, rescaled[i].Score)
		}
	}
}

func TestFuseHybrid_ThresholdIsAbsoluteCutoff(t *testing.T) {
	keyword := []rankedHit{
		{SegmentID: "a", Score: 10},
		{SegmentID: "b", Score: 6},
		{SegmentID: "c", Score: 1},
	}

	hits := fuseHybrid(keyword, nil, 1.0, 0, 0.5)

	// Normalized: a=1.0, b≈0.556, c=0. Threshold 0.5 keeps a and b only;
	// it is a cutoff, not a top-k selector.
	got := hitIDs(hits)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("hits = %v, want [a b]", got)
	}
}

func TestFuseHybrid_EmptyRankings(t *testing.T) {
	if hits := fuseHybrid(nil, nil, 0.6, 0.4, 0); len(hits) != 0 {
		t.Errorf("empty inputs produced %d hits", len(hits))
	}
}

func TestFuseSingle_SurvivingModalityFullWeight(t *testing.T) {
	hits := []rankedHit{
		{SegmentID: "a", Score: 4},
		{SegmentID: "b", Score: 2},
	}

	kw := fuseSingle(hits, "keyword", 0)
	if kw[0].Score != 1.0 {
		t.Errorf("top keyword-degraded score = %v, want 1.0 (weight 1.0)", kw[0].Score)
	}
	if kw[0].KeywordScore != 1.0 || kw[0].VectorScore != 0 {
		t.Errorf("modality scores = (%v, %v)", kw[0].KeywordScore, kw[0].VectorScore)
	}

	vec := fuseSingle(hits, "vector", 0)
	if vec[0].Score != 1.0 || vec[0].VectorScore != 1.0 {
		t.Errorf("vector-degraded top = %+v", vec[0])
	}
}

func TestMinMaxNormalize_UniformScores(t *testing.T) {
	out := minMaxNormalize([]rankedHit{{Score: 2.5}, {Score: 2.5}, {Score: 2.5}})
	for i, v := range out {
		if v != 1.0 {
			t.Errorf("out[%d] = %v, want 1.0 (uniform ranking is uniformly relevant)", i, v)
		}
	}

	single := minMaxNormalize([]rankedHit{{Score: 0.003}})
	if single[0] != 1.0 {
		t.Errorf("single hit = %v, want 1.0", single[0])
	}
}

func TestFuseHybrid_DeterministicTieBreak(t *testing.T) {
	keyword := []rankedHit{
		{SegmentID: "z", Score: 1},
		{SegmentID: "a", Score: 1},
	}

	first := hitIDs(fuseHybrid(keyword, nil, 1.0, 0, 0))
	for range 10 {
		again := hitIDs(fuseHybrid(keyword, nil, 1.0, 0, 0))
		if first[0] != again[0] || first[1] != again[1] {
			t.Fatalf("ordering unstable: %v vs %v", first, again)
		}
	}
	if first[0] != "a" {
		t.Errorf("tie-break order = %v, want segment id ascending", first)
	}
}
