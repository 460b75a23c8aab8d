// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for the run loop.
var (
	// runsTotal counts runs by terminal outcome.
	//
	// Labels:
	//   - outcome: "done", "forced", "failed"
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Total analysis runs by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// runDuration measures wall time per run.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sable",
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Duration of analysis runs in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// runCycles measures completed reason-act-observe cycles per run.
	runCycles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sable",
			Subsystem: "agent",
			Name:      "run_cycles",
			Help:      "Completed cycles per run.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
		},
	)

	// toolExecutionsTotal counts tool executions.
	//
	// Labels:
	//   - tool: tool name as requested by the model
	//   - outcome: "ok" or "error"
	toolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "agent",
			Name:      "tool_executions_total",
			Help:      "Total tool executions by outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// toolExecutionDuration measures successful tool execution time.
	toolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sable",
			Subsystem: "agent",
			Name:      "tool_execution_duration_seconds",
			Help:      "Duration of successful tool executions in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"tool"},
	)

	// reasonerFallbacksTotal counts streaming calls retried non-streaming.
	reasonerFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sable",
			Subsystem: "agent",
			Name:      "reasoner_fallbacks_total",
			Help:      "Reasoner calls that fell back to the non-streaming path.",
		},
	)
)
