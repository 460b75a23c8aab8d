// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blob abstracts fetching segment media bytes for extraction tools.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// Store fetches the raw bytes of a stored media object by URI.
type Store interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// GCSStore implements Store for gs:// URIs.
//
// # Description
//
// A thin reader over an existing GCS client; the client is created in main
// and shared. Only Fetch is needed here; segment media is written by the
// ingestion side, never by this engine.
//
// # Thread Safety
//
// Safe for concurrent use.
type GCSStore struct {
	client *gcs.Client
}

// NewGCSStore wraps an opened GCS client. The caller owns the client
// lifecycle.
func NewGCSStore(client *gcs.Client) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs store: client must not be nil")
	}
	return &GCSStore{client: client}, nil
}

// Fetch reads the full object named by a gs://bucket/object URI.
func (s *GCSStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := parseGSURI(uri)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", uri, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	return data, nil
}

// parseGSURI splits gs://bucket/object into its parts.
func parseGSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("unsupported media uri %q: expected gs:// scheme", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed media uri %q", uri)
	}
	return bucket, object, nil
}
