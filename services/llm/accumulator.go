// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Streamed Tool-Call Accumulation
// =============================================================================
//
// Providers stream tool-call arguments as partial JSON fragments. A fragment
// sequence is actionable only once the serialized argument object is
// structurally complete; an invocation with incomplete arguments must never
// be dispatched. The accumulator is explicit parser state (buffer +
// completeness predicate) rather than parse-and-retry on every fragment.

// ToolCallAccumulator assembles one streamed tool call from its fragments.
//
// Description:
//
//	Begin opens a call with the provider-assigned id and tool name.
//	Append adds an argument fragment. Finalize validates structural
//	completeness and returns the assembled call; it fails if the buffered
//	arguments never reached a complete JSON value, which the caller treats
//	as "never dispatched", not as a stream error.
//
// Thread Safety: NOT safe for concurrent use. One accumulator per stream.
type ToolCallAccumulator struct {
	id   string
	name string
	buf  strings.Builder
	open bool
}

// Begin opens accumulation for a new tool call, discarding any prior state.
func (a *ToolCallAccumulator) Begin(id, name string) {
	a.id = id
	a.name = name
	a.buf.Reset()
	a.open = true
}

// Append adds an argument fragment to the open call. Fragments arriving
// with no open call are dropped; that happens when a provider interleaves
// unrelated deltas after a finalized block.
func (a *ToolCallAccumulator) Append(fragment string) {
	if !a.open {
		return
	}
	a.buf.WriteString(fragment)
}

// Open reports whether a call is currently being accumulated.
func (a *ToolCallAccumulator) Open() bool {
	return a.open
}

// Complete reports whether the buffered arguments form a structurally
// complete JSON value. An empty buffer counts as complete: a tool with no
// parameters streams zero fragments.
func (a *ToolCallAccumulator) Complete() bool {
	return JSONComplete(a.buf.String())
}

// Finalize closes the call and returns it if the buffered arguments are
// structurally complete. On incomplete arguments the call is discarded and
// an error describing the truncation is returned.
func (a *ToolCallAccumulator) Finalize() (ToolCallResponse, error) {
	defer func() { a.open = false }()

	raw := a.buf.String()
	if !JSONComplete(raw) {
		return ToolCallResponse{}, fmt.Errorf("tool call %s (%s): incomplete streamed arguments (%d bytes buffered)",
			a.name, a.id, len(raw))
	}
	if raw == "" {
		raw = "{}"
	}
	return ToolCallResponse{
		ID:        a.id,
		Name:      a.name,
		Arguments: json.RawMessage(raw),
	}, nil
}

// JSONComplete is the structural completeness predicate for streamed
// argument payloads.
//
// Description:
//
//	Scans the input once, tracking brace/bracket depth outside string
//	literals and escape sequences. The payload is complete when the scan
//	ends at depth zero, outside a string, with at least one value started.
//	Balanced-depth checking is sufficient here because fragments arrive
//	from a well-formed producer; the predicate decides "has the producer
//	finished", not "is this valid JSON". Finalize still hands the payload
//	to encoding/json consumers downstream, which reject garbage.
//
// Thread Safety: Pure function; safe for concurrent use.
func JSONComplete(s string) bool {
	if s == "" {
		return true
	}

	depth := 0
	inString := false
	escaped := false
	started := false

	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
			started = true
		case '{', '[':
			depth++
			started = true
		case '}', ']':
			depth--
			if depth < 0 {
				return false
			}
		default:
			if !started && !isJSONSpace(r) {
				started = true
			}
		}
	}

	return started && depth == 0 && !inString
}

func isJSONSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
