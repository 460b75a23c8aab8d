// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sable/services/segment/datatypes"
)

// Flag values for the analyze command.
var (
	analyzeIndexID      string
	analyzeDocumentID   string
	analyzeSegmentID    string
	analyzeQuery        string
	analyzeMediaType    string
	analyzeMediaURI     string
	analyzeMediaContext string
	analyzeJSON         bool
)

func newAnalyzeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one segment analysis",
		Example: `  sable analyze --index idx-1 --document doc-1 --segment seg-7 \
      --query "What is the invoice total?" \
      --media-uri gs://corpus/doc-1/page-7.png --media-type image`,
		RunE: runAnalyze,
	}

	cmd.Flags().StringVar(&analyzeIndexID, "index", "", "Index id of the segment (required)")
	cmd.Flags().StringVar(&analyzeDocumentID, "document", "", "Document id of the segment")
	cmd.Flags().StringVar(&analyzeSegmentID, "segment", "", "Segment id to analyze (required)")
	cmd.Flags().StringVar(&analyzeQuery, "query", "", "Question to answer about the segment (required)")
	cmd.Flags().StringVar(&analyzeMediaType, "media-type", "", "Media type of the segment (e.g. image, pdf_page)")
	cmd.Flags().StringVar(&analyzeMediaURI, "media-uri", "", "gs:// URI of the segment media")
	cmd.Flags().StringVar(&analyzeMediaContext, "media-context", "", "Free-text context about the media")
	cmd.Flags().BoolVar(&analyzeJSON, "json", false, "Emit the full result as JSON")

	for _, required := range []string{"index", "segment", "query"} {
		_ = cmd.MarkFlagRequired(required)
	}
	return cmd
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	result, err := env.orch.Run(ctx, datatypes.Request{
		IndexID:      analyzeIndexID,
		DocumentID:   analyzeDocumentID,
		SegmentID:    analyzeSegmentID,
		Query:        analyzeQuery,
		MediaType:    analyzeMediaType,
		MediaURI:     analyzeMediaURI,
		MediaContext: analyzeMediaContext,
	})
	if err != nil {
		return err
	}

	if analyzeJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}
	printResult(cmd, result)
	return nil
}

func printResult(cmd *cobra.Command, result *datatypes.FinalResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, result.FinalContent)
	fmt.Fprintf(out, "\n[steps: %d", result.StepsCount)
	if len(result.ToolsUsed) > 0 {
		fmt.Fprintf(out, ", tools: %v", result.ToolsUsed)
	}
	if result.Forced {
		fmt.Fprint(out, ", forced")
	}
	fmt.Fprintln(out, "]")

	if len(result.References) > 0 {
		fmt.Fprintln(out, "\nReferences:")
		for i, ref := range result.References {
			fmt.Fprintf(out, "%d. [%s] %s\n", i+1, ref.Type, ref.Value)
		}
	}
}

// batchExitFailures makes batch exit non-zero when any run failed.
var batchExitFailures bool

func newBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <requests.json>",
		Short: "Run a fleet of segment analyses from a JSON request file",
		Long: `Reads a JSON array of analysis requests and runs them across the
segment fleet. Requests for distinct segments run concurrently; requests
for the same segment run sequentially in file order. Results are written
to stdout as a JSON array in the input order.`,
		Args: cobra.ExactArgs(1),
		RunE: runBatch,
	}
	cmd.Flags().BoolVar(&batchExitFailures, "fail-on-error", false, "Exit non-zero when any run fails")
	return cmd
}

// batchEntry is one element of the batch output.
type batchEntry struct {
	Request datatypes.Request      `json:"request"`
	Result  *datatypes.FinalResult `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading request file: %w", err)
	}
	var requests []datatypes.Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return fmt.Errorf("parsing request file: %w", err)
	}
	if len(requests) == 0 {
		return fmt.Errorf("request file contains no requests")
	}

	env, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	results := env.pool.RunAll(ctx, requests)

	entries := make([]batchEntry, len(results))
	failures := 0
	for i, res := range results {
		entries[i] = batchEntry{Request: res.Request, Result: res.Result}
		if res.Err != nil {
			entries[i].Error = res.Err.Error()
			failures++
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		return err
	}

	if failures > 0 && batchExitFailures {
		return fmt.Errorf("%d of %d runs failed", failures, len(requests))
	}
	return nil
}
