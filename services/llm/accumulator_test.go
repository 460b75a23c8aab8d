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
	"strings"
	"testing"
)

func TestJSONComplete(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"empty buffer is complete (no-arg tool)", "", true},
		{"complete object", `{"query":"invoices"}`, true},
		{"complete nested object", `{"a":{"b":[1,2,3]},"c":"x"}`, true},
		{"open object", `{"query":"inv`, false},
		{"open nested array", `{"ids":[1,2`, false},
		{"unterminated string", `{"query":"abc`, false},
		{"brace inside string literal", `{"q":"a { b } c"}`, true},
		{"escaped quote inside string", `{"q":"say \"hi\""}`, true},
		{"escaped backslash then close", `{"path":"C:\\"}`, true},
		{"whitespace only is not started", "   \n\t", false},
		{"bare scalar", `42`, true},
		{"bare string", `"done"`, true},
		{"unbalanced close", `}`, false},
		{"object then trailing open", `{"a":1}{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JSONComplete(tt.input); got != tt.want {
				t.Errorf("JSONComplete(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestToolCallAccumulator_FragmentAssembly(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Begin("toolu_01", "segment_search")

	// Fragment boundaries fall mid-token, as providers actually send them.
	for _, frag := range []string{`{"que`, `ry":"inv`, `oices Q3"`, `,"limit":`, `5}`} {
		acc.Append(frag)
	}

	if !acc.Complete() {
		t.Fatal("accumulator should be complete after final fragment")
	}

	call, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if call.ID != "toolu_01" || call.Name != "segment_search" {
		t.Errorf("call identity = (%q, %q), want (toolu_01, segment_search)", call.ID, call.Name)
	}
	if string(call.Arguments) != `{"query":"invoices Q3","limit":5}` {
		t.Errorf("arguments = %s", call.Arguments)
	}
	if acc.Open() {
		t.Error("accumulator should be closed after Finalize")
	}
}

func TestToolCallAccumulator_IncompleteNeverDispatched(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Begin("toolu_02", "ai_analysis")
	acc.Append(`{"prompt":"describe the`)

	if acc.Complete() {
		t.Fatal("mid-stream buffer must not report complete")
	}

	_, err := acc.Finalize()
	if err == nil {
		t.Fatal("Finalize() on incomplete arguments must return an error")
	}
	if !strings.Contains(err.Error(), "incomplete") {
		t.Errorf("error should mention incomplete arguments, got: %v", err)
	}
}

func TestToolCallAccumulator_EmptyArgsFinalizeToEmptyObject(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Begin("toolu_03", "final_answer")

	call, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if string(call.Arguments) != "{}" {
		t.Errorf("arguments = %s, want {}", call.Arguments)
	}
}

func TestToolCallAccumulator_AppendWithoutBeginDropped(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Append(`{"stray":"fragment"}`)

	if acc.Open() {
		t.Error("stray fragment must not open the accumulator")
	}
}

func TestToolCallAccumulator_BeginResetsPriorState(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Begin("toolu_04", "text_extraction")
	acc.Append(`{"truncat`)

	acc.Begin("toolu_05", "segment_search")
	acc.Append(`{"query":"fresh"}`)

	call, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if call.ID != "toolu_05" {
		t.Errorf("call.ID = %q, want toolu_05", call.ID)
	}
	if string(call.Arguments) != `{"query":"fresh"}` {
		t.Errorf("arguments = %s, prior buffer leaked", call.Arguments)
	}
}
