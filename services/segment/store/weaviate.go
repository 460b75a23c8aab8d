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

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/embed"
)

var storeTracer = otel.Tracer("aleutian.segment.store")

// segmentClass is the Weaviate class holding segment documents.
const segmentClass = "SegmentDocument"

// segmentNamespace is the UUIDv5 namespace for deriving object ids from
// segment ids. Deterministic ids make GetOrCreate and updates idempotent
// without a lookup round-trip.
var segmentNamespace = uuid.MustParse("1b671a64-40d5-491e-99b0-da01ff1f3341")

// segmentObjectID derives the Weaviate object id for a segment.
func segmentObjectID(segmentID string) string {
	return uuid.NewSHA1(segmentNamespace, []byte(segmentID)).String()
}

// WeaviateStore implements SegmentStore on a Weaviate class.
//
// # Description
//
// Combined content lives in the content_combined property and is the BM25
// search target. Per-kind result arrays are stored as text arrays of
// JSON-encoded records. The vector is written only by RefreshEmbedding.
//
// A BadgerDB-backed SegmentCache, when configured, absorbs writes that
// Weaviate rejects: the updated document is parked in the cache, reads
// prefer the parked copy, and the next successful write clears it. The
// current run keeps its results either way.
//
// # Thread Safety
//
// Safe for concurrent use across segments. Writers to the same segment
// must be serialized by the caller.
type WeaviateStore struct {
	client   *weaviate.Client
	embedder *embed.Embedder
	cache    *SegmentCache
	logger   *slog.Logger
}

// NewWeaviateStore creates a store on an existing client. embedder must be
// non-nil (RefreshEmbedding and the vector sub-query need it); cache and
// logger may be nil.
func NewWeaviateStore(client *weaviate.Client, embedder *embed.Embedder, cache *SegmentCache, logger *slog.Logger) (*WeaviateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate store: client must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("weaviate store: embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateStore{client: client, embedder: embedder, cache: cache, logger: logger}, nil
}

// =============================================================================
// Document CRUD
// =============================================================================

// GetOrCreate implements SegmentStore.
func (s *WeaviateStore) GetOrCreate(ctx context.Context, segmentID, documentID, indexID, mediaType string) (*datatypes.SegmentDocument, error) {
	doc, err := s.Get(ctx, segmentID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	doc = datatypes.NewSegmentDocument(segmentID, documentID, indexID, mediaType, time.Now().UTC())
	doc.ContentCombined = datatypes.CombineContent(doc)

	_, err = s.client.Data().Creator().
		WithClassName(segmentClass).
		WithID(segmentObjectID(segmentID)).
		WithProperties(docProperties(doc)).
		Do(ctx)
	if err != nil {
		if s.parkDocument(ctx, doc, err) {
			return doc, nil
		}
		return nil, fmt.Errorf("creating segment document %s: %w", segmentID, err)
	}
	return doc, nil
}

// Get implements SegmentStore. A document parked in the cache by a failed
// write shadows the Weaviate copy until the next successful write.
func (s *WeaviateStore) Get(ctx context.Context, segmentID string) (*datatypes.SegmentDocument, error) {
	if s.cache != nil {
		if doc, err := s.cache.LoadDocument(ctx, segmentID); err != nil {
			s.logger.Warn("segment cache read failed",
				slog.String("segment_id", segmentID),
				slog.String("error", err.Error()),
			)
		} else if doc != nil {
			return doc, nil
		}
	}

	objects, err := s.client.Data().ObjectsGetter().
		WithClassName(segmentClass).
		WithID(segmentObjectID(segmentID)).
		Do(ctx)
	if err != nil {
		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching segment document %s: %w", segmentID, err)
	}
	if len(objects) == 0 {
		return nil, ErrNotFound
	}
	return docFromObject(objects[0])
}

// AppendResult implements SegmentStore.
func (s *WeaviateStore) AppendResult(ctx context.Context, segmentID string, kind datatypes.ToolKind, rec datatypes.ToolResultRecord) (*datatypes.SegmentDocument, error) {
	ctx, span := storeTracer.Start(ctx, "store.AppendResult")
	defer span.End()
	span.SetAttributes(
		attribute.String("segment.id", segmentID),
		attribute.String("tool.kind", string(kind)),
	)

	if !kind.Valid() {
		return nil, fmt.Errorf("append result: unknown tool kind %q", kind)
	}

	doc, err := s.Get(ctx, segmentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	doc.Tools[kind] = append(doc.Tools[kind], rec)
	doc.ContentCombined = datatypes.CombineContent(doc)
	doc.UpdatedAt = time.Now().UTC()

	if err := s.persist(ctx, doc); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	segmentAppendsTotal.WithLabelValues(string(kind)).Inc()
	return doc, nil
}

// AppendUserContent implements SegmentStore.
func (s *WeaviateStore) AppendUserContent(ctx context.Context, segmentID, content string) (*datatypes.SegmentDocument, error) {
	doc, err := s.Get(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	doc.UserContent = append(doc.UserContent, content)
	doc.ContentCombined = datatypes.CombineContent(doc)
	doc.UpdatedAt = time.Now().UTC()

	if err := s.persist(ctx, doc); err != nil {
		return nil, err
	}
	segmentAppendsTotal.WithLabelValues("user_content").Inc()
	return doc, nil
}

// RefreshEmbedding implements SegmentStore. This is the single writer of
// the vector; content writes never touch it.
func (s *WeaviateStore) RefreshEmbedding(ctx context.Context, segmentID string) error {
	ctx, span := storeTracer.Start(ctx, "store.RefreshEmbedding")
	defer span.End()
	span.SetAttributes(attribute.String("segment.id", segmentID))

	doc, err := s.Get(ctx, segmentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	vec, err := s.embedder.Embed(ctx, doc.ContentCombined)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding segment %s: %w", segmentID, err)
	}
	doc.Vector = vec

	err = s.client.Data().Updater().
		WithMerge().
		WithClassName(segmentClass).
		WithID(segmentObjectID(segmentID)).
		WithProperties(map[string]any{"updated_at": doc.UpdatedAt.Format(time.RFC3339Nano)}).
		WithVector(vec).
		Do(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storing vector for segment %s: %w", segmentID, err)
	}

	if s.cache != nil {
		// Keep a parked copy coherent with the new vector.
		if cached, cacheErr := s.cache.LoadDocument(ctx, segmentID); cacheErr == nil && cached != nil {
			cached.Vector = vec
			_ = s.cache.SaveDocument(ctx, cached)
		}
	}
	return nil
}

// persist writes the full document, parking it in the cache on failure.
func (s *WeaviateStore) persist(ctx context.Context, doc *datatypes.SegmentDocument) error {
	err := s.client.Data().Updater().
		WithMerge().
		WithClassName(segmentClass).
		WithID(segmentObjectID(doc.SegmentID)).
		WithProperties(docProperties(doc)).
		Do(ctx)
	if err == nil {
		if s.cache != nil {
			if delErr := s.cache.DeleteDocument(ctx, doc.SegmentID); delErr != nil {
				s.logger.Warn("segment cache cleanup failed",
					slog.String("segment_id", doc.SegmentID),
					slog.String("error", delErr.Error()),
				)
			}
		}
		return nil
	}

	if s.parkDocument(ctx, doc, err) {
		return nil
	}
	return fmt.Errorf("persisting segment document %s: %w", doc.SegmentID, err)
}

// parkDocument stashes a document in the cache after a failed Weaviate
// write. Returns true if the document is safely parked.
func (s *WeaviateStore) parkDocument(ctx context.Context, doc *datatypes.SegmentDocument, cause error) bool {
	if s.cache == nil {
		return false
	}
	if err := s.cache.SaveDocument(ctx, doc); err != nil {
		s.logger.Error("segment persistence failed and cache fallback failed",
			slog.String("segment_id", doc.SegmentID),
			slog.String("weaviate_error", cause.Error()),
			slog.String("cache_error", err.Error()),
		)
		return false
	}
	persistenceFallbacksTotal.Inc()
	s.logger.Warn("segment persistence degraded to local cache",
		slog.String("segment_id", doc.SegmentID),
		slog.String("error", cause.Error()),
	)
	return true
}

// =============================================================================
// Hybrid Search
// =============================================================================

// HybridSearch implements SegmentStore.
//
// Description:
//
//	Runs the BM25 sub-query over content_combined and the nearVector
//	sub-query over the stored vectors, both with the same where-filter,
//	then fuses normalized scores (see fuseHybrid). One failed sub-query
//	degrades to the surviving modality at weight 1.0 with Degraded set;
//	two failures are an error.
func (s *WeaviateStore) HybridSearch(ctx context.Context, query string, opts SearchOptions, sf SearchFilters) (*SearchResponse, error) {
	ctx, span := storeTracer.Start(ctx, "store.HybridSearch")
	defer span.End()

	opts = opts.withDefaults()
	span.SetAttributes(
		attribute.Int("search.limit", opts.Limit),
		attribute.Float64("search.threshold", opts.Threshold),
	)

	start := time.Now()
	where := buildWhere(sf)

	keywordHits, kwErr := s.keywordQuery(ctx, query, opts.Limit, where)
	vectorHits, vecErr := s.vectorQuery(ctx, query, opts.Limit, where)

	var resp *SearchResponse
	switch {
	case kwErr == nil && vecErr == nil:
		resp = &SearchResponse{
			Hits: fuseHybrid(keywordHits, vectorHits, opts.KeywordWeight, opts.VectorWeight, opts.Threshold),
		}

	case kwErr == nil:
		s.logger.Warn("vector sub-query failed, degrading to keyword-only",
			slog.String("error", vecErr.Error()),
		)
		degradedSearchesTotal.WithLabelValues("keyword").Inc()
		resp = &SearchResponse{
			Hits:     fuseSingle(keywordHits, "keyword", opts.Threshold),
			Degraded: "keyword",
		}

	case vecErr == nil:
		s.logger.Warn("keyword sub-query failed, degrading to vector-only",
			slog.String("error", kwErr.Error()),
		)
		degradedSearchesTotal.WithLabelValues("vector").Inc()
		resp = &SearchResponse{
			Hits:     fuseSingle(vectorHits, "vector", opts.Threshold),
			Degraded: "vector",
		}

	default:
		span.SetStatus(codes.Error, "both sub-queries failed")
		return nil, fmt.Errorf("hybrid search: keyword: %v; vector: %w", kwErr, vecErr)
	}

	if len(resp.Hits) > opts.Limit {
		resp.Hits = resp.Hits[:opts.Limit]
	}

	hybridSearchDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("search.hits", len(resp.Hits)))
	return resp, nil
}

func (s *WeaviateStore) keywordQuery(ctx context.Context, query string, limit int, where *filters.WhereBuilder) ([]rankedHit, error) {
	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties("content_combined")

	builder := s.client.GraphQL().Get().
		WithClassName(segmentClass).
		WithBM25(bm25).
		WithLimit(limit).
		WithFields(searchFields()...)
	if where != nil {
		builder = builder.WithWhere(where)
	}

	resp, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("bm25 query: %w", err)
	}
	return parseHits(resp, "score")
}

func (s *WeaviateStore) vectorQuery(ctx context.Context, query string, limit int, where *filters.WhereBuilder) ([]rankedHit, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	nearVec := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	builder := s.client.GraphQL().Get().
		WithClassName(segmentClass).
		WithNearVector(nearVec).
		WithLimit(limit).
		WithFields(searchFields()...)
	if where != nil {
		builder = builder.WithWhere(where)
	}

	resp, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("near-vector query: %w", err)
	}
	return parseHits(resp, "distance")
}

// buildWhere converts filters to a Weaviate where clause. Returns nil when
// no filter fields are set.
func buildWhere(sf SearchFilters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if sf.IndexID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"index_id"}).
			WithOperator(filters.Equal).
			WithValueText(sf.IndexID))
	}
	if sf.DocumentID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"document_id"}).
			WithOperator(filters.Equal).
			WithValueText(sf.DocumentID))
	}
	if sf.MediaType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"media_type"}).
			WithOperator(filters.Equal).
			WithValueText(sf.MediaType))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func searchFields() []graphql.Field {
	return []graphql.Field{
		{Name: "segment_id"},
		{Name: "document_id"},
		{Name: "index_id"},
		{Name: "content_combined"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "score"},
			{Name: "distance"},
		}},
	}
}

// parseHits extracts ranked hits from a GraphQL response. scoreField is
// "score" for BM25 (string-encoded) or "distance" for nearVector (cosine
// distance, converted to similarity). Fusion normalizes per modality, so
// only relative ordering within a modality matters here.
func parseHits(resp *models.GraphQLResponse, scoreField string) ([]rankedHit, error) {
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed response: missing Get")
	}
	rows, ok := get[segmentClass].([]any)
	if !ok {
		return nil, fmt.Errorf("malformed response: missing class %s", segmentClass)
	}

	hits := make([]rankedHit, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}

		hit := rankedHit{
			SegmentID:  stringProp(obj, "segment_id"),
			DocumentID: stringProp(obj, "document_id"),
			IndexID:    stringProp(obj, "index_id"),
			Content:    stringProp(obj, "content_combined"),
		}

		additional, _ := obj["_additional"].(map[string]any)
		switch scoreField {
		case "score":
			raw, _ := additional["score"].(string)
			score, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				score = 0
			}
			hit.Score = score
		case "distance":
			distance, _ := additional["distance"].(float64)
			hit.Score = 1 - distance
		}

		hits = append(hits, hit)
	}
	return hits, nil
}

func stringProp(obj map[string]any, key string) string {
	v, _ := obj[key].(string)
	return v
}

// =============================================================================
// Property Encoding
// =============================================================================

// toolsPropertyName maps a kind to its Weaviate property.
func toolsPropertyName(kind datatypes.ToolKind) string {
	return "tools_" + string(kind)
}

// docProperties flattens a document to the Weaviate property map. Per-kind
// arrays are stored as text arrays of JSON-encoded records so the class
// schema stays flat while record structure survives round-trips.
func docProperties(doc *datatypes.SegmentDocument) map[string]any {
	props := map[string]any{
		"segment_id":       doc.SegmentID,
		"document_id":      doc.DocumentID,
		"index_id":         doc.IndexID,
		"media_type":       doc.MediaType,
		"user_content":     doc.UserContent,
		"content_combined": doc.ContentCombined,
		"created_at":       doc.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       doc.UpdatedAt.Format(time.RFC3339Nano),
	}
	if props["user_content"] == nil {
		props["user_content"] = []string{}
	}

	for _, kind := range datatypes.DurableKinds {
		encoded := make([]string, 0, len(doc.Tools[kind]))
		for _, rec := range doc.Tools[kind] {
			raw, err := json.Marshal(rec)
			if err != nil {
				// Records are built from JSON-safe types; a marshal
				// failure means a tool smuggled something unserializable
				// into structured data. Skip the record, keep the rest.
				slog.Warn("skipping unserializable tool result record",
					slog.String("segment_id", doc.SegmentID),
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
				continue
			}
			encoded = append(encoded, string(raw))
		}
		props[toolsPropertyName(kind)] = encoded
	}
	return props
}

// docFromObject rebuilds a document from a Weaviate object.
func docFromObject(obj *models.Object) (*datatypes.SegmentDocument, error) {
	props, ok := obj.Properties.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("segment object %s: unexpected properties type %T", obj.ID, obj.Properties)
	}

	doc := &datatypes.SegmentDocument{
		SegmentID:       stringProp(props, "segment_id"),
		DocumentID:      stringProp(props, "document_id"),
		IndexID:         stringProp(props, "index_id"),
		MediaType:       stringProp(props, "media_type"),
		UserContent:     stringSlice(props["user_content"]),
		ContentCombined: stringProp(props, "content_combined"),
		Tools:           make(map[datatypes.ToolKind][]datatypes.ToolResultRecord, len(datatypes.DurableKinds)),
	}

	if t, err := time.Parse(time.RFC3339Nano, stringProp(props, "created_at")); err == nil {
		doc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, stringProp(props, "updated_at")); err == nil {
		doc.UpdatedAt = t
	}

	for _, kind := range datatypes.DurableKinds {
		raw := stringSlice(props[toolsPropertyName(kind)])
		records := make([]datatypes.ToolResultRecord, 0, len(raw))
		for _, entry := range raw {
			var rec datatypes.ToolResultRecord
			if err := json.Unmarshal([]byte(entry), &rec); err != nil {
				return nil, fmt.Errorf("segment %s: decoding %s record: %w", doc.SegmentID, kind, err)
			}
			records = append(records, rec)
		}
		doc.Tools[kind] = records
	}

	if len(obj.Vector) > 0 {
		doc.Vector = append([]float32(nil), obj.Vector...)
	}
	return doc, nil
}

// stringSlice converts a Weaviate text-array property ([]any of string)
// to []string.
func stringSlice(v any) []string {
	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
