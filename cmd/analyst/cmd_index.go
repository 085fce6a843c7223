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
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/analyst/pkg/ux"
	"github.com/AleutianAI/analyst/services/analyst/llm"
)

func newIndexCmd(c *cli) *cobra.Command {
	var maxBytes int64
	cmd := &cobra.Command{
		Use:   "index PATTERN...",
		Short: "Split, embed, and store files matching glob patterns",
		Long: `Indexes every file matching the patterns ("**" matches any depth).
Pieces that cannot be embedded are queued in the failure store and
re-embedded by the retry worker.

Examples:
  analyst index 'docs/**/*.md' README.md
  analyst index 'services/**/*.go' --max-bytes 262144`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, skipped, err := collectDocuments(args, maxBytes)
			if err != nil {
				return err
			}
			for _, s := range skipped {
				c.printer.Status(ux.IconWarning, s, "skipped")
			}
			if len(docs) == 0 {
				return fmt.Errorf("no files matched %v", args)
			}

			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.Index(cmd.Context(), docs)
			if err != nil {
				return err
			}
			c.printer.KeyValues(map[string]string{
				"documents": strconv.Itoa(report.Documents),
				"pieces":    strconv.Itoa(report.Pieces),
				"embedded":  strconv.Itoa(report.Embedded),
				"recovered": strconv.Itoa(report.Recovered),
				"queued":    strconv.Itoa(report.Failed),
			})
			if report.Failed > 0 {
				c.printer.Warning(fmt.Sprintf("%d pieces queued for retry", report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 1<<20, "Skip files larger than this")
	return cmd
}

// collectDocuments reads the files matching patterns once each, in path
// order. Oversized and unreadable files are reported as skipped.
func collectDocuments(patterns []string, maxBytes int64) ([]llm.Document, []string, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	var (
		docs    []llm.Document
		skipped []string
	)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.Size() > maxBytes {
			skipped = append(skipped, p)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			skipped = append(skipped, p)
			continue
		}
		docs = append(docs, llm.Document{Source: filepath.ToSlash(p), Text: string(data)})
	}
	return docs, skipped, nil
}

func newSearchCmd(c *cli) *cobra.Command {
	var (
		limit    int
		jsonMode bool
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Semantic search over indexed pieces",
		Long: `Embeds the query, finds the nearest pieces in the vector store, and
reranks them when rerank.url is configured.

The memory vector backend lives only as long as the process, so search
from the CLI needs vectors.backend: weaviate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			resp, err := svc.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if jsonMode {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			if len(resp.Hits) == 0 {
				c.printer.Warning("No matches")
				return nil
			}
			for _, h := range resp.Hits {
				c.printer.Status(ux.IconBullet, h.PieceID, fmt.Sprintf("score %.3f", h.Score))
				c.printer.Info(h.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum results")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print results as JSON")
	return cmd
}
