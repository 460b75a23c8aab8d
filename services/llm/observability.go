// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for model client operations.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// modelRequestDuration measures the duration of model API calls.
	//
	// Labels:
	//   - provider: "anthropic"
	//   - mode: "sync" or "stream"
	//   - outcome: "ok" or "error"
	modelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sable",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Duration of model API calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "mode", "outcome"},
	)

	// modelRequestsTotal counts model API calls.
	//
	// Labels:
	//   - provider: "anthropic"
	//   - mode: "sync" or "stream"
	//   - outcome: "ok" or "error"
	modelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total number of model API calls.",
		},
		[]string{"provider", "mode", "outcome"},
	)

	// streamIncompleteToolCalls counts streamed tool calls dropped because
	// their argument payload never became structurally complete.
	streamIncompleteToolCalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "llm",
			Name:      "stream_incomplete_tool_calls_total",
			Help:      "Streamed tool calls dropped due to incomplete arguments.",
		},
	)
)

// observeRequest records one model call in both the counter and histogram.
func observeRequest(provider, mode, outcome string, d time.Duration) {
	modelRequestsTotal.WithLabelValues(provider, mode, outcome).Inc()
	modelRequestDuration.WithLabelValues(provider, mode, outcome).Observe(d.Seconds())
}
