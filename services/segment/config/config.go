// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the segment analysis service configuration:
// embedded defaults, an optional YAML file on top, environment variable
// overrides for endpoints last.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultsYAML []byte

// MaxYAMLFileSize bounds config files read from disk.
const MaxYAMLFileSize = 1 << 20

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full service configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Agent     AgentConfig     `yaml:"agent" validate:"required"`
	Search    SearchConfig    `yaml:"search" validate:"required"`
	Endpoints EndpointsConfig `yaml:"endpoints" validate:"required"`
	Cache     CacheConfig     `yaml:"cache"`
}

// AgentConfig bounds the run loop and the fleet pool.
type AgentConfig struct {
	// MaxIterations caps full reason-act-observe cycles per run.
	MaxIterations int `yaml:"max_iterations" validate:"gte=1,lte=32"`

	// ContextBudgetChars bounds the combined context carried into prompts.
	ContextBudgetChars int `yaml:"context_budget_chars" validate:"gte=1000"`

	// PoolConcurrency bounds simultaneous runs in a fleet batch.
	PoolConcurrency int `yaml:"pool_concurrency" validate:"gte=1,lte=64"`

	// ModelRequestsPerSecond gates model calls across all runs.
	ModelRequestsPerSecond float64 `yaml:"model_requests_per_second" validate:"gt=0"`

	// RefreshEmbedding re-embeds segments after runs that persisted
	// durable results.
	RefreshEmbedding bool `yaml:"refresh_embedding"`
}

// SearchConfig holds hybrid retrieval defaults.
type SearchConfig struct {
	// KeywordWeight and VectorWeight fuse the two ranking modalities.
	// They are normalized by their sum before fusion, so only the ratio
	// matters.
	KeywordWeight float64 `yaml:"keyword_weight" validate:"gte=0"`
	VectorWeight  float64 `yaml:"vector_weight" validate:"gte=0"`

	// Threshold is the absolute fused-score cutoff.
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`

	// Limit caps returned hits per search.
	Limit int `yaml:"limit" validate:"gte=1,lte=100"`
}

// EndpointsConfig names the external services.
//
// Each field has an environment variable override applied after file
// loading: WEAVIATE_HOST, WEAVIATE_SCHEME, EMBEDDING_SERVICE_URL,
// EMBEDDING_MODEL, EXTRACTION_SERVICE_URL, GCS_BUCKET.
type EndpointsConfig struct {
	WeaviateHost   string `yaml:"weaviate_host" validate:"required"`
	WeaviateScheme string `yaml:"weaviate_scheme" validate:"oneof=http https"`
	EmbeddingURL   string `yaml:"embedding_url" validate:"required,url"`
	EmbeddingModel string `yaml:"embedding_model" validate:"required"`
	ExtractionURL  string `yaml:"extraction_url" validate:"required,url"`

	// GCSBucket is optional; without it gs:// media URIs are rejected.
	GCSBucket string `yaml:"gcs_bucket"`
}

// CacheConfig locates the local BadgerDB cache.
type CacheConfig struct {
	// Dir is the cache directory. Empty disables the local cache, which
	// also disables degraded-write parking and vector caching.
	Dir string `yaml:"dir"`
}

// =============================================================================
// Loading
// =============================================================================

// Load builds the configuration.
//
// Description:
//
//	Parses the embedded defaults, overlays the file at path when path is
//	non-empty, applies endpoint environment overrides, then validates.
//
// Outputs:
//
//	*Config - The validated configuration. Never nil on success.
//	error   - Non-nil if any layer fails to parse or validation fails.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if len(data) > MaxYAMLFileSize {
			return nil, fmt.Errorf("config: %s exceeds maximum size (%d > %d)", path, len(data), MaxYAMLFileSize)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	slog.Info("configuration loaded",
		slog.String("file", path),
		slog.Int("max_iterations", cfg.Agent.MaxIterations),
		slog.String("weaviate_host", cfg.Endpoints.WeaviateHost),
		slog.String("embedding_model", cfg.Endpoints.EmbeddingModel),
	)
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments rewire endpoints without
// a config file.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"WEAVIATE_HOST", &cfg.Endpoints.WeaviateHost},
		{"WEAVIATE_SCHEME", &cfg.Endpoints.WeaviateScheme},
		{"EMBEDDING_SERVICE_URL", &cfg.Endpoints.EmbeddingURL},
		{"EMBEDDING_MODEL", &cfg.Endpoints.EmbeddingModel},
		{"EXTRACTION_SERVICE_URL", &cfg.Endpoints.ExtractionURL},
		{"GCS_BUCKET", &cfg.Endpoints.GCSBucket},
		{"SABLE_CACHE_DIR", &cfg.Cache.Dir},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}
