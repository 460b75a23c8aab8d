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
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

// defaultPoolConcurrency bounds simultaneous runs in a fleet batch. The
// shared reasoner rate limiter gates model pressure independently.
const defaultPoolConcurrency = 4

// BatchResult pairs a request with its outcome.
type BatchResult struct {
	Request datatypes.Request
	Result  *datatypes.FinalResult
	Err     error
}

// Pool fans analysis runs out over a fleet of segments.
//
// # Description
//
// Requests are grouped by segment id: runs touching different segments
// proceed concurrently up to the pool bound, runs touching the same
// segment execute sequentially in submission order, so no segment ever
// has two concurrent writers. One failed run does not stop the batch.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	orch        *Orchestrator
	concurrency int
	logger      *slog.Logger
}

// NewPool creates a Pool. concurrency <= 0 selects the default.
func NewPool(orch *Orchestrator, concurrency int, logger *slog.Logger) (*Pool, error) {
	if orch == nil {
		return nil, fmt.Errorf("pool: orchestrator must not be nil")
	}
	if concurrency <= 0 {
		concurrency = defaultPoolConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{orch: orch, concurrency: concurrency, logger: logger}, nil
}

// RunAll executes every request and returns results in the input order.
func (p *Pool) RunAll(ctx context.Context, requests []datatypes.Request) []BatchResult {
	results := make([]BatchResult, len(requests))
	for i, req := range requests {
		results[i].Request = req
	}

	// Group request indexes by segment so same-segment runs serialize.
	bySegment := make(map[string][]int)
	var segments []string
	for i, req := range requests {
		if _, seen := bySegment[req.SegmentID]; !seen {
			segments = append(segments, req.SegmentID)
		}
		bySegment[req.SegmentID] = append(bySegment[req.SegmentID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, segmentID := range segments {
		indexes := bySegment[segmentID]
		g.Go(func() error {
			for _, i := range indexes {
				result, err := p.orch.Run(gctx, requests[i])
				results[i].Result = result
				results[i].Err = err
				if err != nil {
					p.logger.Warn("fleet run failed",
						slog.String("segment_id", requests[i].SegmentID),
						slog.String("error", err.Error()),
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
