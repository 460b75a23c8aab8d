// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract wraps the external content-extraction service. Extraction
// internals (OCR, layout models) live behind its HTTP API; this client only
// ships bytes out and results back.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Mode selects the extraction pipeline.
type Mode string

const (
	// ModeStructural extracts layout: regions, tables, reading order.
	ModeStructural Mode = "structural"

	// ModeText extracts plain text content.
	ModeText Mode = "text"
)

// Request is one extraction call.
type Request struct {
	// Media is the raw segment bytes.
	Media []byte

	// MediaType hints the decoder ("image", "pdf_page", ...).
	MediaType string

	// Mode selects the pipeline.
	Mode Mode
}

// Result is the extraction outcome. Content is the human/model-readable
// rendering; Structured carries whatever machine-readable detail the
// pipeline produced.
type Result struct {
	Content    string         `json:"content"`
	Structured map[string]any `json:"structured,omitempty"`
}

// Client is the extraction collaborator contract.
type Client interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// wire types for the extraction service API.
type extractWireReq struct {
	MediaBase64 string `json:"media_base64"`
	MediaType   string `json:"media_type"`
	Mode        string `json:"mode"`
}

// HTTPClient implements Client against the extraction service.
//
// Thread Safety: Safe for concurrent use.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client from the environment. Reads
// EXTRACTION_SERVICE_URL; a missing value falls back to the local compose
// default with an informational log.
func NewHTTPClient(logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	url := os.Getenv("EXTRACTION_SERVICE_URL")
	if url == "" {
		url = "http://localhost:8090/extract"
		logger.Info("EXTRACTION_SERVICE_URL not set, defaulting to", "url", url)
	}
	return NewHTTPClientWithConfig(url, logger)
}

// NewHTTPClientWithConfig creates a client with an explicit endpoint.
func NewHTTPClientWithConfig(url string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: url,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
}

// Extract implements Client.
func (c *HTTPClient) Extract(ctx context.Context, req Request) (*Result, error) {
	if len(req.Media) == 0 {
		return nil, fmt.Errorf("extract: empty media payload")
	}

	body, err := json.Marshal(extractWireReq{
		MediaBase64: base64.StdEncoding.EncodeToString(req.Media),
		MediaType:   req.MediaType,
		Mode:        string(req.Mode),
	})
	if err != nil {
		return nil, fmt.Errorf("extract: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extract: service call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("extract: reading response (status %d): %w", resp.StatusCode, readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extract: service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("extract: parsing response: %w", err)
	}
	if result.Content == "" {
		c.logger.Debug("extraction returned empty content",
			slog.String("mode", string(req.Mode)),
			slog.String("media_type", req.MediaType),
		)
	}
	return &result, nil
}
