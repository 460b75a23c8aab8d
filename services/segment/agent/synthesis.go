// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

// synthesisSnippetChars bounds each result section in a synthesized answer.
const synthesisSnippetChars = 1200

// synthesizeFromHistory builds a best-effort answer from whatever the run
// gathered. Used when the iteration bound forces termination and when the
// model returns empty content; the result is never empty, so every
// non-failed terminal state carries content.
func synthesizeFromHistory(state *datatypes.AgentState) string {
	var successes []datatypes.AnalysisHistoryEntry
	var failures []datatypes.AnalysisHistoryEntry
	for _, entry := range state.History {
		if entry.Success && entry.Content != "" {
			successes = append(successes, entry)
		} else if !entry.Success {
			failures = append(failures, entry)
		}
	}

	if len(successes) == 0 && len(failures) == 0 {
		return fmt.Sprintf("No analysis could be completed for this segment within the step limit. "+
			"The question was: %s", state.Query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Partial analysis for: %s\n", state.Query)
	fmt.Fprintf(&b, "Gathered from %d tool execution(s) before the run ended:\n", len(successes))

	for _, entry := range successes {
		content := entry.Content
		if len(content) > synthesisSnippetChars {
			content = content[:synthesisSnippetChars] + "…"
		}
		fmt.Fprintf(&b, "\n[%s, step %d]\n%s\n", entry.Tool, entry.Step, content)
	}

	if len(failures) > 0 {
		b.WriteString("\nSome tools did not complete:\n")
		for _, entry := range failures {
			fmt.Fprintf(&b, "- %s (step %d): %s\n", entry.Tool, entry.Step, entry.Content)
		}
	}

	return b.String()
}
