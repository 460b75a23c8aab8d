// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for embedding provider calls.
var (
	// embedCallDuration measures provider call duration.
	//
	// Labels:
	//   - outcome: "ok" or "error"
	embedCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sable",
			Subsystem: "embed",
			Name:      "call_duration_seconds",
			Help:      "Duration of embedding provider calls in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	// embedCallsTotal counts provider calls.
	embedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "embed",
			Name:      "calls_total",
			Help:      "Total number of embedding provider calls.",
		},
		[]string{"outcome"},
	)

	// embedCacheHits counts vectors served from the cache instead of the
	// provider.
	embedCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "embed",
			Name:      "cache_hits_total",
			Help:      "Embedding vectors served from the vector cache.",
		},
	)
)

func observeEmbedCall(outcome string, d time.Duration) {
	embedCallsTotal.WithLabelValues(outcome).Inc()
	embedCallDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
