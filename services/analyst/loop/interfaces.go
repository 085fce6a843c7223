// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives an LLM through a bounded, tool-using analysis loop.
//
// Each step builds a prompt, asks the LLM, extracts tool calls, and either
// executes them (feeding results back through an append-only transcript) or
// validates the reply as a draft report. A report that appears before any
// tool evidence exists is rejected as fabricated.
package loop

import (
	"context"

	"github.com/AleutianAI/analyst/services/analyst/toolcall"
)

// LLMCaller completes a prompt. Implementations map every internal failure
// to an empty string; the loop treats an empty reply as unproductive input.
type LLMCaller interface {
	Complete(ctx context.Context, prompt string) string
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	// Data is the tool output. Empty when Error is set.
	Data string `json:"data,omitempty"`

	// Error describes a failed execution.
	Error string `json:"error,omitempty"`
}

// Failed reports whether the execution failed.
func (r ToolResult) Failed() bool {
	return r.Error != ""
}

// ToolExecutor runs one canonical tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, name, contextKey string, params map[string]any) ToolResult
}

// ToolCallExtractor finds tool calls in an LLM reply. It never panics and
// returns an empty slice when there are none.
type ToolCallExtractor interface {
	Extract(reply string) []toolcall.ToolCallInfo
}

// RunDecision is the guard's verdict on a whole run.
type RunDecision struct {
	Skip   bool
	Reason string
}

// CallDecision is the guard's verdict on one tool call.
type CallDecision struct {
	// Skip means the call must not be executed.
	Skip bool

	// Cached, when non-nil with Skip, is served instead of executing.
	Cached *ToolResult

	Reason string
}

// DuplicateGuard prevents repeated work across runs and within a run.
type DuplicateGuard interface {
	ShouldSkipRun(ctx context.Context, contextKey string) RunDecision
	ShouldSkipToolCall(name string, params map[string]any) CallDecision
	RecordToolCall(name string, params map[string]any, result ToolResult)
	RecordSuccess(contextKey string)
}

// RunScopedGuard is a DuplicateGuard that keeps per-run call memory.
//
// The executor calls ForRun once at the start of each run and sends that
// run's tool-call decisions to the returned guard. Run-level decisions
// still go to the RunScopedGuard itself.
type RunScopedGuard interface {
	DuplicateGuard
	ForRun(contextKey string) DuplicateGuard
}

// Validation is the validator's verdict on a draft.
type Validation struct {
	IsValid         bool     `json:"is_valid"`
	Completeness    float64  `json:"completeness"`
	MissingSections []string `json:"missing_sections"`
}

// Todo is a follow-up item for a section the analysis did not cover.
type Todo struct {
	Section     string `json:"section"`
	Description string `json:"description"`
}

// OutputValidator judges drafts and turns gaps into todos.
type OutputValidator interface {
	Validate(ctx context.Context, draft, analysisType string) Validation
	GenerateTodos(missingSections []string, analysisType string) []Todo
}

// TemplateSource provides the prompt template for an analysis type.
type TemplateSource interface {
	Template(analysisType string) (string, bool)
}

// StaticTemplates is a TemplateSource backed by a map.
type StaticTemplates map[string]string

// Template implements TemplateSource.
func (s StaticTemplates) Template(analysisType string) (string, bool) {
	t, ok := s[analysisType]
	return t, ok
}
