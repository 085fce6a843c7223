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
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/analyst/pkg/ux"
	"github.com/AleutianAI/analyst/services/analyst/loop"
)

// Exit codes of the run command beyond the generic 1.
const (
	exitIncomplete = 2
	exitFabricated = 3
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		req      loop.Request
		todos    []string
		jsonMode bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one analysis loop and print the report",
		Long: `Runs one analysis loop against project.root and prints the report.

Exit codes:
  0  the report passed validation (or the run was skipped by the guard)
  1  the run could not start or failed
  2  the step budget ran out; the best draft and its gaps are printed
  3  the model reported without gathering any tool evidence

Examples:
  analyst run --type architecture --context repo@main
  analyst run --type security --context repo@main --todo "Secrets: check .env handling"
  analyst run --type general --context repo@main --json | jq .final_text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, t := range todos {
				section, desc, _ := strings.Cut(t, ":")
				req.Todos = append(req.Todos, loop.Todo{Section: strings.TrimSpace(section), Description: strings.TrimSpace(desc)})
			}

			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.Run(cmd.Context(), req)
			if err != nil {
				if loop.IsFatal(err) {
					return &exitError{code: exitFabricated, err: err}
				}
				return err
			}

			if jsonMode {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printResult(c.printer, result)
			}
			if result.Status == loop.StatusIncomplete {
				return &exitError{code: exitIncomplete, err: fmt.Errorf("report incomplete after %d steps", result.StepsTaken)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.AnalysisType, "type", "t", "", "Analysis type, e.g. architecture, security, general")
	cmd.Flags().StringVar(&req.ContextKey, "context", "", "What is analyzed, e.g. repo@commit; the guard keys on it")
	cmd.Flags().StringVar(&req.PriorContext, "prior", "", "Free text prepended to every prompt")
	cmd.Flags().StringArrayVar(&todos, "todo", nil, `Open item as "Section: description" (repeatable)`)
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print the full result as JSON")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func printResult(p *ux.Printer, r *loop.AnalysisLoopResult) {
	switch r.Status {
	case loop.StatusSkipped:
		p.Warning("Run skipped: " + r.SkipReason)
		return
	case loop.StatusComplete:
		p.Success(fmt.Sprintf("%s analysis complete", r.AnalysisType))
	default:
		p.Warning(fmt.Sprintf("%s analysis incomplete", r.AnalysisType))
	}

	p.KeyValues(map[string]string{
		"steps":        strconv.Itoa(r.StepsTaken),
		"completeness": p.ProgressBar(r.CompletenessScore, 20),
	})
	for _, s := range r.MissingSections {
		p.Status(ux.IconPending, s, "missing")
	}
	if r.FinalText != "" {
		p.Box("Report", r.FinalText)
	}
}
