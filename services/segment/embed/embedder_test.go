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
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// mockEmbedServer returns deterministic vectors derived from the input text
// so tests can verify which input was actually embedded.
func mockEmbedServer(t *testing.T, dim int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req ollamaEmbedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := make([]float32, dim)
		seed := float32(len(req.Input)%dim + 1)
		for i := range vec {
			vec[i] = seed + float32(i)
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResp{Embeddings: [][]float32{vec}})
	}))
}

// memVectorCache is an in-memory VectorCache double.
type memVectorCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func newMemVectorCache() *memVectorCache {
	return &memVectorCache{data: make(map[string][]float32)}
}

func (c *memVectorCache) LoadVector(_ context.Context, key string) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *memVectorCache) SaveVector(_ context.Context, key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = vec
	return nil
}

func TestEmbed_ReturnsVector(t *testing.T) {
	server := mockEmbedServer(t, 8, nil)
	defer server.Close()

	e := NewEmbedderWithConfig(server.URL, "test-model", 0, nil, nil)
	vec, err := e.Embed(context.Background(), "segment content")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 8 {
		t.Errorf("vector dim = %d, want 8", len(vec))
	}
}

func TestEmbed_DeterministicTruncation(t *testing.T) {
	var embedded []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		embedded = append(embedded, req.Input)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResp{Embeddings: [][]float32{{1, 2, 3}}})
	}))
	defer server.Close()

	e := NewEmbedderWithConfig(server.URL, "test-model", 10, nil, nil)
	long := strings.Repeat("x", 50) + "tail"

	if _, err := e.Embed(context.Background(), long); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if _, err := e.Embed(context.Background(), long); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if len(embedded) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(embedded))
	}
	if embedded[0] != embedded[1] {
		t.Error("truncation must be deterministic across calls")
	}
	if len(embedded[0]) != 10 {
		t.Errorf("embedded length = %d, want 10", len(embedded[0]))
	}
	if embedded[0] != strings.Repeat("x", 10) {
		t.Errorf("embedded prefix = %q", embedded[0])
	}
}

func TestEmbed_CacheSkipsProvider(t *testing.T) {
	var calls atomic.Int64
	server := mockEmbedServer(t, 4, &calls)
	defer server.Close()

	cache := newMemVectorCache()
	e := NewEmbedderWithConfig(server.URL, "test-model", 0, nil, cache)

	first, err := e.Embed(context.Background(), "unchanged content")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	second, err := e.Embed(context.Background(), "unchanged content")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 (second served from cache)", calls.Load())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached vector differs from computed vector")
		}
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	server := mockEmbedServer(t, 4, nil)
	defer server.Close()

	e := NewEmbedderWithConfig(server.URL, "test-model", 0, nil, nil)
	inputs := []string{"a", "bb", "ccc", "dddd", "eeeee"}

	vecs, err := e.EmbedBatch(context.Background(), inputs)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != len(inputs) {
		t.Fatalf("vectors = %d, want %d", len(vecs), len(inputs))
	}
	// The mock seeds from input length, so position i must carry the seed
	// for inputs[i].
	for i, in := range inputs {
		wantSeed := float32(len(in)%4 + 1)
		if vecs[i][0] != wantSeed {
			t.Errorf("vecs[%d][0] = %v, want %v (order not preserved)", i, vecs[i][0], wantSeed)
		}
	}
}

func TestEmbed_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	e := NewEmbedderWithConfig(server.URL, "test-model", 0, nil, nil)
	_, err := e.Embed(context.Background(), "content")
	if err == nil {
		t.Fatal("expected error on provider 404")
	}
	if !strings.Contains(err.Error(), "embed:") {
		t.Errorf("error should carry embed: prefix, got: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	vec := Normalize([]float32{3, 4})
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("Normalize([3 4]) = %v, want [0.6 0.8]", vec)
	}

	zero := Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector must pass through, got %v", zero)
	}
}
