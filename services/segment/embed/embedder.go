// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed provides the embedding provider client used to vectorize
// segment combined content and search queries.
package embed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// batchConcurrency is the number of parallel embedding calls during batch
// embedding. 10 concurrent requests saturates a local Ollama without
// overwhelming it.
const batchConcurrency = 10

// defaultMaxInputChars is the provider input cap. Inputs beyond it are
// truncated deterministically so identical content always yields the same
// vector regardless of when it was embedded.
const defaultMaxInputChars = 8192

// ollamaEmbedReq is the /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// VectorCache persists computed vectors keyed by content hash. Nil-safe at
// the call sites; a nil cache means every call hits the provider.
type VectorCache interface {
	LoadVector(ctx context.Context, key string) ([]float32, error)
	SaveVector(ctx context.Context, key string, vec []float32) error
}

// Embedder calls an Ollama-style /api/embed endpoint.
//
// # Description
//
// One Embedder is created at startup and shared. Inputs longer than the
// provider cap are truncated deterministically with a debug log; the caller
// is expected to tolerate embedding the prefix. If a VectorCache is
// configured, vectors for unchanged content are served from it, keyed by
// SHA256 of (model, truncated input).
//
// # Thread Safety
//
// Safe for concurrent use.
type Embedder struct {
	url      string
	model    string
	maxChars int
	client   *http.Client
	logger   *slog.Logger
	cache    VectorCache
}

// NewEmbedder creates an Embedder from the environment.
//
// Reads EMBEDDING_SERVICE_URL and EMBEDDING_MODEL, defaulting to a local
// Ollama endpoint and nomic-embed-text-v2-moe. cache may be nil.
func NewEmbedder(logger *slog.Logger, cache VectorCache) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}

	url := os.Getenv("EMBEDDING_SERVICE_URL")
	if url == "" {
		url = "http://host.containers.internal:11434/api/embed"
	}

	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "nomic-embed-text-v2-moe"
	}

	return &Embedder{
		url:      url,
		model:    model,
		maxChars: defaultMaxInputChars,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		cache:    cache,
	}
}

// NewEmbedderWithConfig creates an Embedder with explicit configuration.
// Used by tests with mock servers and by config-driven wiring.
func NewEmbedderWithConfig(url, model string, maxChars int, logger *slog.Logger, cache VectorCache) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if maxChars <= 0 {
		maxChars = defaultMaxInputChars
	}
	return &Embedder{
		url:      url,
		model:    model,
		maxChars: maxChars,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		cache:    cache,
	}
}

// Model returns the configured embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Embed computes the embedding vector for one input.
//
// # Description
//
// The input is truncated at the provider cap before anything else, so the
// cache key, the provider call, and the resulting vector all agree on what
// was embedded. A cache hit skips the provider entirely; cache failures are
// logged and degrade to a provider call.
//
// # Outputs
//
//   - []float32: The embedding vector. Never nil on success.
//   - error: Non-nil on provider transport failure or an empty response.
func (e *Embedder) Embed(ctx context.Context, input string) ([]float32, error) {
	input, truncated := e.truncate(input)
	if truncated {
		e.logger.Debug("embedding input truncated at provider cap",
			slog.Int("max_chars", e.maxChars),
		)
	}

	key := e.cacheKey(input)
	if e.cache != nil {
		if vec, err := e.cache.LoadVector(ctx, key); err != nil {
			e.logger.Warn("vector cache load failed, calling provider",
				slog.String("error", err.Error()),
			)
		} else if len(vec) > 0 {
			embedCacheHits.Inc()
			return vec, nil
		}
	}

	vec, err := e.callProvider(ctx, input)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.SaveVector(ctx, key, vec); err != nil {
			e.logger.Warn("vector cache save failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return vec, nil
}

// EmbedBatch embeds inputs in parallel, preserving input order.
//
// Any single failure aborts the batch; partial batches are not useful to
// callers that index vectors by position.
func (e *Embedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, batchConcurrency)

	for i, input := range inputs {
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := e.Embed(gctx, input)
			if err != nil {
				return fmt.Errorf("embedding input %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// truncate caps the input at maxChars on a rune boundary.
func (e *Embedder) truncate(input string) (string, bool) {
	if len(input) <= e.maxChars {
		return input, false
	}
	runes := []rune(input)
	if len(runes) <= e.maxChars {
		return input, false
	}
	return string(runes[:e.maxChars]), true
}

// cacheKey hashes model + input so a model change invalidates every entry.
func (e *Embedder) cacheKey(input string) string {
	h := sha256.New()
	h.Write([]byte(e.model))
	h.Write([]byte{0})
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Embedder) callProvider(ctx context.Context, input string) ([]float32, error) {
	start := time.Now()

	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("embed: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embed: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		observeEmbedCall("error", time.Since(start))
		return nil, fmt.Errorf("embed: provider call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		observeEmbedCall("error", time.Since(start))
		return nil, fmt.Errorf("embed: reading response (status %d): %w", resp.StatusCode, readErr)
	}
	if resp.StatusCode != http.StatusOK {
		observeEmbedCall("error", time.Since(start))
		return nil, fmt.Errorf("embed: provider returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var embedResp ollamaEmbedResp
	if err := json.Unmarshal(bodyBytes, &embedResp); err != nil {
		observeEmbedCall("error", time.Since(start))
		return nil, fmt.Errorf("embed: parsing response: %w", err)
	}
	if len(embedResp.Embeddings) == 0 || len(embedResp.Embeddings[0]) == 0 {
		observeEmbedCall("error", time.Since(start))
		return nil, fmt.Errorf("embed: provider returned no embeddings")
	}

	observeEmbedCall("ok", time.Since(start))
	return embedResp.Embeddings[0], nil
}

// Normalize returns the unit-normalized copy of vec. A zero vector is
// returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
