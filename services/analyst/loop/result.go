// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

// Status is how a run ended.
type Status string

const (
	// StatusComplete means the validator accepted the report.
	StatusComplete Status = "complete"

	// StatusIncomplete means the step budget ran out first.
	StatusIncomplete Status = "incomplete"

	// StatusSkipped means the guard short-circuited the run.
	StatusSkipped Status = "skipped"
)

// Request describes one analysis run.
type Request struct {
	AnalysisType string `json:"analysis_type" validate:"required"`

	// ContextKey identifies what is analyzed; the guard keys on it.
	ContextKey string `json:"context_key" validate:"required"`

	PriorContext string `json:"prior_context,omitempty"`
	Todos        []Todo `json:"todos,omitempty"`
}

// AnalysisLoopResult is the outcome of a run. Its slices are owned by the
// result and never aliased by the executor afterwards.
type AnalysisLoopResult struct {
	AnalysisType       string   `json:"analysis_type"`
	FinalText          string   `json:"final_text"`
	CompletenessScore  float64  `json:"completeness_score"`
	MissingSections    []string `json:"missing_sections"`
	GeneratedTodos     []Todo   `json:"generated_todos"`
	StepsTaken         int      `json:"steps_taken"`
	ToolCallTranscript string   `json:"tool_call_transcript"`
	Status             Status   `json:"status"`
	SkipReason         string   `json:"skip_reason,omitempty"`
}

// Complete reports whether the validator accepted the report.
func (r *AnalysisLoopResult) Complete() bool {
	return r.Status == StatusComplete
}
