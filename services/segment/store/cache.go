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

// =============================================================================
// SegmentCache: BadgerDB Fallback Persistence + Vector Cache
// =============================================================================
//
// Two concerns share one embedded BadgerDB:
//
//	1. Parked documents: when Weaviate rejects a write, the updated document
//	   is stored here so the run's results survive. Reads prefer the parked
//	   copy; the next successful Weaviate write deletes it. No TTL: a
//	   parked document is pending data, not a cache entry.
//
//	2. Vector cache: embedding vectors keyed by content hash, so unchanged
//	   combined content is never re-embedded. 7-day TTL enforced by
//	   BadgerDB's native GC; an expired key is an ordinary miss.
//
// Storage layout:
//
//	segment/doc/v1/{segment_id}  →  gob-encoded SegmentDocument (no TTL)
//	segment/vec/v1/{hash}        →  gob-encoded []float32 (TTL 7 days)

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

const (
	docKeyPrefix = "segment/doc/v1/"
	vecKeyPrefix = "segment/vec/v1/"

	// vectorCacheTTL bounds staleness of cached vectors. Long enough to
	// survive weekends and short deployments without accumulating stale
	// data indefinitely.
	vectorCacheTTL = 7 * 24 * time.Hour
)

// errCacheMiss distinguishes "key not found" from a storage failure inside
// transaction closures.
var errCacheMiss = errors.New("cache miss")

// SegmentCache is the BadgerDB-backed fallback store.
//
// # Description
//
// The DB is opened by the caller (typically in main) and not owned by the
// cache; the caller manages its lifecycle. All methods are safe on a nil
// receiver in the sense that callers hold *SegmentCache and check for nil
// before use; a nil cache disables both concerns.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type SegmentCache struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewSegmentCache creates a cache on an opened BadgerDB. logger may be nil.
func NewSegmentCache(db *badger.DB, logger *slog.Logger) (*SegmentCache, error) {
	if db == nil {
		return nil, fmt.Errorf("segment cache: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SegmentCache{db: db, logger: logger}, nil
}

// =============================================================================
// Parked Documents
// =============================================================================

// SaveDocument parks a document. Overwrites any earlier parked copy; the
// document carries its full state, so last write wins is correct.
func (c *SegmentCache) SaveDocument(ctx context.Context, doc *datatypes.SegmentDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encoding segment document: %w", err)
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(docKeyPrefix+doc.SegmentID), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("writing parked document: %w", err)
	}

	c.logger.Debug("segment cache: document parked",
		slog.String("segment_id", doc.SegmentID),
	)
	return nil
}

// LoadDocument returns the parked document for segmentID, or (nil, nil)
// when none is parked.
func (c *SegmentCache) LoadDocument(ctx context.Context, segmentID string) (*datatypes.SegmentDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docKeyPrefix + segmentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading parked document: %w", err)
	}

	var doc datatypes.SegmentDocument
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding parked document: %w", err)
	}
	return &doc, nil
}

// DeleteDocument removes the parked copy after a successful primary write.
// Deleting an absent key is a no-op.
func (c *SegmentCache) DeleteDocument(ctx context.Context, segmentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(docKeyPrefix + segmentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting parked document: %w", err)
	}
	return nil
}

// =============================================================================
// Vector Cache (implements embed.VectorCache)
// =============================================================================

// LoadVector returns the cached vector for key, or (nil, nil) on miss.
func (c *SegmentCache) LoadVector(ctx context.Context, key string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(vecKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached vector: %w", err)
	}

	var vec []float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vec); err != nil {
		return nil, fmt.Errorf("decoding cached vector: %w", err)
	}
	return vec, nil
}

// SaveVector caches a vector with the standard TTL.
func (c *SegmentCache) SaveVector(ctx context.Context, key string, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vec); err != nil {
		return fmt.Errorf("encoding vector: %w", err)
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(vecKeyPrefix+key), buf.Bytes()).WithTTL(vectorCacheTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("writing cached vector: %w", err)
	}
	return nil
}
