// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the closed capability set the analysis agent can
// invoke: the two extraction tools, model analysis, segment search, and
// the final answer marker.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/sable/services/llm"
	"github.com/AleutianAI/sable/services/segment/datatypes"
	"github.com/AleutianAI/sable/services/segment/store"
)

// RunContext carries per-run identity and collaborators into a tool
// execution. Tools read it; only the orchestrator builds it.
type RunContext struct {
	RunID        string
	IndexID      string
	DocumentID   string
	SegmentID    string
	MediaType    string
	MediaURI     string
	MediaContext string
	Query        string

	// Step is the cycle number the invocation belongs to, for durable
	// result records.
	Step int

	// CombinedContext is the run's current derived context, available to
	// tools that reason over prior results.
	CombinedContext string

	// Store gives search and persistence access to tools that need it.
	Store store.SegmentStore
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	// Content is the observation text fed back to the model.
	Content string

	// Structured is optional machine-readable detail, persisted alongside
	// Content for durable tools.
	Structured map[string]any

	// References are citations derived from this execution.
	References []datatypes.Reference

	// Final marks the tool output as the run's final answer.
	Final bool
}

// Tool is one agent capability.
//
// Durable tools declare the kind their successful output is persisted
// under; ephemeral tools return false from Durable and their Kind is not
// consulted.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Durable() bool
	Kind() datatypes.ToolKind
	Execute(ctx context.Context, args map[string]any, rc RunContext) (*ToolResult, error)
}

// Registry is the immutable tool set, built once at startup.
//
// Thread Safety: Safe for concurrent use after construction.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry builds a registry. Duplicate names are a construction error,
// not a runtime surprise.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("registry: tool with empty name")
		}
		if _, exists := r.tools[name]; exists {
			return nil, fmt.Errorf("registry: duplicate tool name %q", name)
		}
		if t.Durable() && !t.Kind().Valid() {
			return nil, fmt.Errorf("registry: durable tool %q declares unknown kind %q", name, t.Kind())
		}
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Defs renders the registry as model tool definitions, in name order.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// objectSchema is shared shorthand for tool input schemas.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// stringArg extracts an optional string argument.
func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg extracts an optional integer argument; JSON numbers decode as
// float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// floatArg extracts an optional float argument.
func floatArg(args map[string]any, key string) float64 {
	v, _ := args[key].(float64)
	return v
}
