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

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

// scriptedLLM returns replies in order and repeats the last one.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (l *scriptedLLM) Complete(_ context.Context, prompt string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	if len(l.replies) == 0 {
		return ""
	}
	i := len(l.prompts) - 1
	if i >= len(l.replies) {
		i = len(l.replies) - 1
	}
	return l.replies[i]
}

func (l *scriptedLLM) Prompt(i int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prompts[i]
}

type executedCall struct {
	name       string
	contextKey string
	params     map[string]any
}

type fakeTools struct {
	mu    sync.Mutex
	calls []executedCall
}

func (f *fakeTools) Execute(_ context.Context, name, contextKey string, params map[string]any) ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executedCall{name: name, contextKey: contextKey, params: params})
	if name == "run_command" {
		return ToolResult{Error: "command not allowed"}
	}
	return ToolResult{Data: fmt.Sprintf("contents of %v", params["path"])}
}

// sectionValidator requires every listed "## Section" heading.
type sectionValidator struct {
	required  []string
	validated []string
}

func (v *sectionValidator) Validate(_ context.Context, draft, _ string) Validation {
	v.validated = append(v.validated, draft)
	var missing []string
	for _, s := range v.required {
		if !strings.Contains(draft, "## "+s) {
			missing = append(missing, s)
		}
	}
	present := len(v.required) - len(missing)
	return Validation{
		IsValid:         len(missing) == 0,
		Completeness:    float64(present) / float64(len(v.required)),
		MissingSections: missing,
	}
}

func (v *sectionValidator) GenerateTodos(missing []string, analysisType string) []Todo {
	todos := make([]Todo, 0, len(missing))
	for _, s := range missing {
		todos = append(todos, Todo{Section: s, Description: "cover " + s + " for " + analysisType})
	}
	return todos
}

type fakeGuard struct {
	skipRun   bool
	cached    map[string]ToolResult
	block     map[string]bool
	recorded  []string
	successes []string
}

func (g *fakeGuard) ShouldSkipRun(context.Context, string) RunDecision {
	if g.skipRun {
		return RunDecision{Skip: true, Reason: "recently analyzed"}
	}
	return RunDecision{}
}

func (g *fakeGuard) ShouldSkipToolCall(name string, _ map[string]any) CallDecision {
	if res, ok := g.cached[name]; ok {
		return CallDecision{Skip: true, Cached: &res}
	}
	if g.block[name] {
		return CallDecision{Skip: true, Reason: "repeated call"}
	}
	return CallDecision{}
}

func (g *fakeGuard) RecordToolCall(name string, _ map[string]any, _ ToolResult) {
	g.recorded = append(g.recorded, name)
}

func (g *fakeGuard) RecordSuccess(contextKey string) {
	g.successes = append(g.successes, contextKey)
}

const (
	readGoMod   = `<invoke name="read_file"><parameter name="path">go.mod</parameter></invoke>`
	fullReport  = "Sure, here is the report.\n\n## Summary\nSmall module.\n\n## Risks\nNone found."
	halfReport  = "## Summary\nSmall module."
	emptyReport = "Nothing to report."
)

type harness struct {
	llm       *scriptedLLM
	tools     *fakeTools
	validator *sectionValidator
	guard     *fakeGuard
	exec      *Executor
}

func newHarness(t *testing.T, maxSteps int, replies ...string) *harness {
	t.Helper()
	h := &harness{
		llm:       &scriptedLLM{replies: replies},
		tools:     &fakeTools{},
		validator: &sectionValidator{required: []string{"Summary", "Risks"}},
		guard:     &fakeGuard{},
	}
	exec, err := NewExecutor(Dependencies{
		LLM:       h.llm,
		Tools:     h.tools,
		Validator: h.validator,
		Guard:     h.guard,
	}, Config{MaxSteps: maxSteps})
	require.NoError(t, err)
	h.exec = exec
	return h
}

func testRequest() Request {
	return Request{AnalysisType: "architecture", ContextKey: "repo@abc123"}
}

func TestExecutor_FirstStepReportIsFatal(t *testing.T) {
	h := newHarness(t, 5, fullReport)

	result, err := h.exec.Run(context.Background(), testRequest())

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrFabricatedOutput)

	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, 1, integrity.Step)
	assert.Equal(t, "repo@abc123", integrity.ContextKey)

	assert.Empty(t, h.tools.calls)
	assert.Empty(t, h.validator.validated, "a fabricated report is never validated")
	assert.Empty(t, h.guard.successes)
	assert.Equal(t, resilience.ClassNonRetryable, resilience.Classify(err))
}

func TestExecutor_CompletesAfterToolEvidence(t *testing.T) {
	h := newHarness(t, 5, readGoMod, fullReport)

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, result.Status)
	assert.True(t, result.Complete())
	assert.Equal(t, 2, result.StepsTaken)
	assert.Equal(t, "## Summary\nSmall module.\n\n## Risks\nNone found.", result.FinalText)
	assert.Equal(t, 1.0, result.CompletenessScore)
	assert.Empty(t, result.MissingSections)
	assert.NotNil(t, result.MissingSections)
	assert.Empty(t, result.GeneratedTodos)
	assert.Contains(t, result.ToolCallTranscript, "read_file(path=go.mod) => contents of go.mod")

	require.Len(t, h.tools.calls, 1)
	assert.Equal(t, "repo@abc123", h.tools.calls[0].contextKey)
	assert.Equal(t, []string{"read_file"}, h.guard.recorded)
	assert.Equal(t, []string{"repo@abc123"}, h.guard.successes)

	assert.Contains(t, h.llm.Prompt(0), "No tool has been called yet")
	assert.Contains(t, h.llm.Prompt(1), "## Tool results so far")
	assert.NotContains(t, h.llm.Prompt(1), "No tool has been called yet")
}

func TestExecutor_InvalidDraftRequestsMissingSections(t *testing.T) {
	h := newHarness(t, 5, readGoMod, halfReport, fullReport)

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, 3, result.StepsTaken)

	third := h.llm.Prompt(2)
	assert.Contains(t, third, "Please address missing sections: Risks")
	assert.Contains(t, third, "## Current draft\n## Summary\nSmall module.")
}

func TestExecutor_ExhaustionReturnsBestDraft(t *testing.T) {
	h := newHarness(t, 4, readGoMod, halfReport, emptyReport, emptyReport)

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusIncomplete, result.Status)
	assert.False(t, result.Complete())
	assert.Equal(t, 4, result.StepsTaken)
	assert.Equal(t, halfReport, result.FinalText)
	assert.Equal(t, 0.5, result.CompletenessScore)
	assert.Equal(t, []string{"Risks"}, result.MissingSections)
	require.Len(t, result.GeneratedTodos, 1)
	assert.Equal(t, "Risks", result.GeneratedTodos[0].Section)
	assert.Empty(t, h.guard.successes, "exhaustion is not a success")
}

func TestExecutor_ExhaustionWithoutDraftReportsAllGaps(t *testing.T) {
	h := newHarness(t, 3, readGoMod)

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusIncomplete, result.Status)
	assert.Equal(t, 3, result.StepsTaken)
	assert.Empty(t, result.FinalText)
	assert.Zero(t, result.CompletenessScore)
	assert.Equal(t, []string{"Summary", "Risks"}, result.MissingSections)
	assert.Len(t, result.GeneratedTodos, 2)
	assert.Equal(t, []string{""}, h.validator.validated)
	assert.Len(t, h.tools.calls, 3)
}

func TestExecutor_ToolCallsClearDraft(t *testing.T) {
	h := newHarness(t, 4, readGoMod, halfReport, readGoMod, fullReport)

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)

	assert.Contains(t, h.llm.Prompt(2), "## Current draft")
	assert.NotContains(t, h.llm.Prompt(3), "## Current draft")
}

func TestExecutor_ToolCallsRunInExtractionOrder(t *testing.T) {
	reply := `<function_calls>
<invoke name="ls"><parameter name="path">cmd</parameter></invoke>
<invoke name="bash"><parameter name="command">rm -rf /</parameter></invoke>
<invoke name="cat"><parameter name="path">main.go</parameter></invoke>
</function_calls>`
	h := newHarness(t, 2, reply, fullReport)

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)

	var names []string
	for _, c := range h.tools.calls {
		names = append(names, c.name)
	}
	assert.Equal(t, []string{"list_directory", "run_command", "read_file"}, names)
	assert.Contains(t, result.ToolCallTranscript, "run_command(command=rm -rf /) => error: command not allowed")
}

func TestExecutor_GuardSkipsRun(t *testing.T) {
	h := newHarness(t, 5, readGoMod)
	h.guard.skipRun = true

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "recently analyzed", result.SkipReason)
	assert.Zero(t, result.StepsTaken)
	assert.NotNil(t, result.MissingSections)
	assert.NotNil(t, result.GeneratedTodos)
	assert.Empty(t, h.llm.prompts)
	assert.Empty(t, h.guard.successes)
}

func TestExecutor_CachedResultCountsAsEvidence(t *testing.T) {
	h := newHarness(t, 5, readGoMod, fullReport)
	h.guard.cached = map[string]ToolResult{"read_file": {Data: "module example.com/x"}}

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, result.Status)
	assert.Empty(t, h.tools.calls)
	assert.Empty(t, h.guard.recorded)
	assert.Contains(t, result.ToolCallTranscript, "[cached] read_file(path=go.mod) => module example.com/x")
}

func TestExecutor_SkippedCallIsNotEvidence(t *testing.T) {
	h := newHarness(t, 5, readGoMod, fullReport)
	h.guard.block = map[string]bool{"read_file": true}

	_, err := h.exec.Run(context.Background(), testRequest())

	assert.True(t, IsFatal(err))
	assert.Empty(t, h.tools.calls)
	assert.Contains(t, h.llm.Prompt(1), "not executed: repeated call")
}

func TestExecutor_EmptyReplyBeforeEvidenceIsFatal(t *testing.T) {
	h := newHarness(t, 3, "", readGoMod, fullReport)

	result, err := h.exec.Run(context.Background(), testRequest())
	assert.Nil(t, result)
	require.True(t, IsFatal(err), "got %v", err)

	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, 1, integrity.Step)
	assert.Len(t, h.llm.prompts, 1, "the loop stops at the first empty reply")
	assert.Empty(t, h.tools.calls)
}

// cancelingLLM cancels the run and degrades to an empty reply, the way a
// resilient client reports a call cut off by its context.
type cancelingLLM struct{ cancel context.CancelFunc }

func (l cancelingLLM) Complete(context.Context, string) string {
	l.cancel()
	return ""
}

func TestExecutor_EmptyReplyFromCanceledCallIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec, err := NewExecutor(Dependencies{
		LLM:       cancelingLLM{cancel: cancel},
		Tools:     &fakeTools{},
		Validator: &sectionValidator{required: []string{"Summary"}},
	}, Config{MaxSteps: 3})
	require.NoError(t, err)

	_, err = exec.Run(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
}

func TestExecutor_EmptyReplyAfterEvidenceContinues(t *testing.T) {
	h := newHarness(t, 5, readGoMod, "", fullReport)

	result, err := h.exec.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, 3, result.StepsTaken)
}

func TestExecutor_CancelledContext(t *testing.T) {
	h := newHarness(t, 5, readGoMod)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.exec.Run(ctx, testRequest())

	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
	assert.Empty(t, h.llm.prompts)
}

func TestExecutor_Templates(t *testing.T) {
	llm := &scriptedLLM{replies: []string{readGoMod, fullReport}}
	exec, err := NewExecutor(Dependencies{
		LLM:       llm,
		Tools:     &fakeTools{},
		Validator: &sectionValidator{required: []string{"Summary"}},
		Templates: StaticTemplates{"security": "Audit the authentication flow."},
	}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSteps, exec.Config().MaxSteps)

	_, err = exec.Run(context.Background(), Request{AnalysisType: "performance", ContextKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownAnalysisType)
	assert.Empty(t, llm.prompts)

	result, err := exec.Run(context.Background(), Request{
		AnalysisType: "security",
		ContextKey:   "k",
		PriorContext: "Previous audit flagged session handling.",
		Todos:        []Todo{{Section: "Sessions", Description: "check expiry"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)

	first := llm.Prompt(1)
	assert.True(t, strings.HasPrefix(first, ProtocolHeader))
	assert.Contains(t, first, "## Task\nAudit the authentication flow.")
	assert.Contains(t, first, "## Prior context\nPrevious audit flagged session handling.")
	assert.Contains(t, first, "- Sessions: check expiry")
}

func TestExecutor_InvalidRequest(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.exec.Run(context.Background(), Request{AnalysisType: "architecture"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNewExecutor_Validation(t *testing.T) {
	_, err := NewExecutor(Dependencies{Tools: &fakeTools{}, Validator: &sectionValidator{}}, Config{})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = NewExecutor(Dependencies{LLM: &scriptedLLM{}, Validator: &sectionValidator{}}, Config{})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = NewExecutor(Dependencies{LLM: &scriptedLLM{}, Tools: &fakeTools{}}, Config{})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = NewExecutor(Dependencies{LLM: &scriptedLLM{}, Tools: &fakeTools{}, Validator: &sectionValidator{}}, Config{MaxSteps: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIsFatal(t *testing.T) {
	err := fmt.Errorf("run: %w", &IntegrityError{AnalysisType: "a", ContextKey: "k", Step: 1})
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(errors.New("timeout")))
	assert.False(t, IsFatal(nil))
}
