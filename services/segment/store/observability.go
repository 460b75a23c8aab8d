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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for segment persistence and search.
var (
	// segmentAppendsTotal counts append operations by kind ("user_content"
	// for annotations).
	segmentAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "store",
			Name:      "appends_total",
			Help:      "Total append operations on segment documents.",
		},
		[]string{"kind"},
	)

	// persistenceFallbacksTotal counts writes parked in the local cache
	// after the primary store rejected them.
	persistenceFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "store",
			Name:      "persistence_fallbacks_total",
			Help:      "Segment writes parked in the local cache after a primary store failure.",
		},
	)

	// hybridSearchDuration measures end-to-end hybrid search latency,
	// including both sub-queries and fusion.
	hybridSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sable",
			Subsystem: "store",
			Name:      "hybrid_search_duration_seconds",
			Help:      "Duration of hybrid searches in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// degradedSearchesTotal counts searches that fell back to a single
	// modality.
	//
	// Labels:
	//   - modality: the surviving sub-query, "keyword" or "vector"
	degradedSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "store",
			Name:      "degraded_searches_total",
			Help:      "Hybrid searches degraded to a single modality.",
		},
		[]string{"modality"},
	)
)
