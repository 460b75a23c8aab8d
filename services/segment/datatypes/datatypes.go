// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the shared value types for the segment analysis
// engine: the per-run agent state, the durable segment document, and the
// sum types the control loop transitions over.
//
// Types here carry no behavior beyond pure derivations. Components in
// services/segment/agent and services/segment/store own all mutation.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Tool Kinds
// =============================================================================

// ToolKind identifies which per-kind array of a SegmentDocument a durable
// tool result is persisted into.
type ToolKind string

const (
	// KindStructuralExtraction holds layout/structure extraction results.
	KindStructuralExtraction ToolKind = "structural_extraction"

	// KindTextExtraction holds plain text extraction results.
	KindTextExtraction ToolKind = "text_extraction"

	// KindAIAnalysis holds model-generated analysis results.
	KindAIAnalysis ToolKind = "ai_analysis"
)

// DurableKinds lists every kind persisted in a SegmentDocument, in the fixed
// priority order used to derive combined content. Structural output leads
// because it anchors everything else spatially; free-form AI analysis comes
// last because it is derived from the extractions above it.
var DurableKinds = []ToolKind{
	KindStructuralExtraction,
	KindTextExtraction,
	KindAIAnalysis,
}

// Valid reports whether k names one of the durable kinds.
func (k ToolKind) Valid() bool {
	for _, known := range DurableKinds {
		if k == known {
			return true
		}
	}
	return false
}

// =============================================================================
// Run Types
// =============================================================================

// Message is a single conversation turn carried into prompt assembly.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reference is a citation derived for a response. References are rebuilt
// per response and never persisted independently.
type Reference struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Value       string `json:"value"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolInvocation is a single tool call requested by the model. Arguments is
// the raw JSON payload; it is guaranteed structurally complete by the time
// an invocation leaves the reasoner (partial streamed arguments are never
// surfaced as invocations).
type ToolInvocation struct {
	// ID is the provider-assigned call identifier, used to pair tool
	// results back to the originating call in conversation history.
	ID string `json:"id"`

	// Name is the registry name of the tool to invoke.
	Name string `json:"name"`

	// Arguments is the complete serialized argument object.
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsMap decodes Arguments into a generic map. Returns an empty map
// for nil/empty arguments.
func (t ToolInvocation) ArgumentsMap() (map[string]any, error) {
	if len(t.Arguments) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal(t.Arguments, &out); err != nil {
		return nil, fmt.Errorf("tool %s: decoding arguments: %w", t.Name, err)
	}
	return out, nil
}

// AnalysisHistoryEntry records one tool execution within a run. Entries are
// immutable once appended; the executor only ever appends.
type AnalysisHistoryEntry struct {
	Tool      string    `json:"tool"`
	Content   string    `json:"content"`
	Success   bool      `json:"success"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentState is the mutable per-run record driven by the orchestrator.
//
// Description:
//
//	AgentState is exclusively owned by a single orchestrator run. It is
//	created at run start, threaded through the reasoner and executor, and
//	discarded at run end after results are exported. It must never be
//	shared across concurrent runs.
//
// Thread Safety: NOT safe for concurrent use. Single-run ownership only.
type AgentState struct {
	// RunID uniquely identifies this run for logging and tracing.
	RunID string

	// Identity keys of the segment under analysis.
	IndexID    string
	DocumentID string
	SegmentID  string

	// Query is the user's question for this run.
	Query string

	// MediaContext is optional caller-supplied context about the segment's
	// media (e.g., "page 4 of a scanned invoice").
	MediaContext string

	// Messages is the conversation history accumulated across cycles,
	// including assistant tool-call turns and tool-result turns.
	Messages []Message

	// Iteration counts completed reason→act→observe cycles. It advances
	// once per full cycle, never once per individual tool call.
	Iteration int

	// MaxIterations is the hard bound; reaching it forces termination.
	MaxIterations int

	// History is the ordered analysis history for this run. Append-only.
	History []AnalysisHistoryEntry

	// ToolResults holds the successful tool outputs of the run, in
	// execution order, for synthesis and reference building.
	ToolResults []ToolObservation

	// CombinedContext is the derived textual context handed to the
	// reasoner. Recomputed by the executor after every batch.
	CombinedContext string

	// References accumulated from tool outputs, deduplicated by ID.
	References []Reference

	// Done and Forced are the termination flags set by the orchestrator.
	Done   bool
	Forced bool
}

// ToolObservation is a captured tool outcome: the message shown to the
// model plus any structured payload the tool returned.
type ToolObservation struct {
	Tool          string         `json:"tool"`
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	Structured    map[string]any `json:"structured_data,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
}

// ToolsUsed returns the distinct tool names with at least one successful
// execution, in first-use order.
func (s *AgentState) ToolsUsed() []string {
	seen := make(map[string]bool, len(s.History))
	var used []string
	for _, e := range s.History {
		if !e.Success || seen[e.Tool] {
			continue
		}
		seen[e.Tool] = true
		used = append(used, e.Tool)
	}
	return used
}

// =============================================================================
// Decision Sum Type
// =============================================================================

// DecisionKind discriminates the reasoner's outcome for one cycle.
type DecisionKind int

const (
	// DecisionFinal means the model produced a final answer.
	DecisionFinal DecisionKind = iota

	// DecisionInvoke means the model requested a batch of tool calls.
	DecisionInvoke
)

// Decision is the reasoner's outcome: either a final answer or a batch of
// structurally complete tool invocations. Transport failures are reported
// as ordinary errors alongside, never encoded in the Decision itself, so
// the orchestrator's transitions stay total over well-defined inputs.
type Decision struct {
	Kind DecisionKind

	// FinalContent is set when Kind == DecisionFinal.
	FinalContent string

	// Invocations is set when Kind == DecisionInvoke. Order is the model's
	// emission order and is preserved through execution and merge.
	Invocations []ToolInvocation
}

// =============================================================================
// Run Request / Result
// =============================================================================

// Request identifies a segment and carries the query for one run.
type Request struct {
	IndexID    string `json:"index_id"`
	DocumentID string `json:"document_id"`
	SegmentID  string `json:"segment_id"`
	Query      string `json:"user_query"`

	// MediaType and MediaURI locate the segment's media for extraction
	// tools. A run without them can still analyze previously extracted
	// content.
	MediaType string `json:"media_type,omitempty"`
	MediaURI  string `json:"media_uri,omitempty"`

	// MediaContext is optional caller-supplied context about the media.
	MediaContext string `json:"media_context,omitempty"`
}

// FinalResult is exported at run end. FinalContent is non-empty for every
// terminal state except FAILED: forced termination synthesizes best-effort
// content rather than returning empty.
type FinalResult struct {
	Success      bool        `json:"success"`
	FinalContent string      `json:"final_content"`
	StepsCount   int         `json:"steps_count"`
	ToolsUsed    []string    `json:"tools_used"`
	References   []Reference `json:"references"`
	Forced       bool        `json:"forced"`
}

// =============================================================================
// Segment Document
// =============================================================================

// ToolResultRecord is one durable analysis result inside a per-kind array.
type ToolResultRecord struct {
	Tool       string         `json:"tool"`
	Content    string         `json:"content"`
	Success    bool           `json:"success"`
	Step       int            `json:"step"`
	Timestamp  time.Time      `json:"timestamp"`
	Structured map[string]any `json:"structured_data,omitempty"`
}

// SegmentDocument is the durable record for one segment. It accumulates
// analysis across many independent runs over the document's lifetime and
// is deleted only by explicit external teardown.
//
// Invariants:
//   - Per-kind arrays are append-only.
//   - Every content mutation re-derives ContentCombined and bumps UpdatedAt.
//   - Vector is valid only as of the last explicit refresh; it may lawfully
//     lag ContentCombined.
type SegmentDocument struct {
	SegmentID  string `json:"segment_id"`
	DocumentID string `json:"document_id"`
	IndexID    string `json:"index_id"`
	MediaType  string `json:"media_type"`

	// Tools holds the per-kind ordered result arrays.
	Tools map[ToolKind][]ToolResultRecord `json:"tools"`

	// UserContent holds user annotations, ordered by insertion.
	UserContent []string `json:"user_content"`

	// ContentCombined is derived from Tools and UserContent. See
	// CombineContent for the derivation.
	ContentCombined string `json:"content_combined"`

	// Vector is the embedding of ContentCombined as of the last refresh.
	Vector []float32 `json:"vector_content,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSegmentDocument seeds an empty document with empty per-kind arrays.
func NewSegmentDocument(segmentID, documentID, indexID, mediaType string, now time.Time) *SegmentDocument {
	tools := make(map[ToolKind][]ToolResultRecord, len(DurableKinds))
	for _, k := range DurableKinds {
		tools[k] = []ToolResultRecord{}
	}
	return &SegmentDocument{
		SegmentID:  segmentID,
		DocumentID: documentID,
		IndexID:    indexID,
		MediaType:  mediaType,
		Tools:      tools,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CombineContent derives the combined content of a document.
//
// Description:
//
//	Pure function of the current array contents: successful results are
//	concatenated kind by kind in the fixed DurableKinds priority order,
//	each kind section preceded by a header line, followed by user
//	annotations. Calling it twice on the same arrays yields identical
//	output, which is what makes re-derivation on every mutation safe.
//
// Thread Safety: Pure; safe for concurrent use on an unshared document.
func CombineContent(doc *SegmentDocument) string {
	var b strings.Builder
	for _, kind := range DurableKinds {
		results := doc.Tools[kind]
		wrote := false
		for _, r := range results {
			if !r.Success || r.Content == "" {
				continue
			}
			if !wrote {
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString("## ")
				b.WriteString(string(kind))
				b.WriteString("\n")
				wrote = true
			} else {
				b.WriteString("\n")
			}
			b.WriteString(r.Content)
		}
	}
	if len(doc.UserContent) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## user_content\n")
		for i, u := range doc.UserContent {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(u)
		}
	}
	return b.String()
}
