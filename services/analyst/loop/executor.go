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
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/analyst/services/analyst/toolcall"
)

var loopTracer = otel.Tracer("analyst.loop")

const (
	// DefaultMaxSteps bounds a run when Config.MaxSteps is zero.
	DefaultMaxSteps = 10

	// DefaultMaxResultChars caps one tool result in the transcript.
	DefaultMaxResultChars = 4000
)

// Config bounds a run.
type Config struct {
	// MaxSteps is the step budget. Zero means DefaultMaxSteps.
	MaxSteps int `yaml:"max_steps" json:"max_steps" validate:"gte=0"`

	// MaxResultChars caps each tool output in the transcript. Zero means
	// DefaultMaxResultChars.
	MaxResultChars int `yaml:"max_result_chars" json:"max_result_chars" validate:"gte=0"`
}

// DefaultConfig returns the default budget.
func DefaultConfig() Config {
	return Config{MaxSteps: DefaultMaxSteps, MaxResultChars: DefaultMaxResultChars}
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxSteps < 0 || c.MaxResultChars < 0 {
		return c, fmt.Errorf("%w: max_steps=%d max_result_chars=%d", ErrInvalidConfig, c.MaxSteps, c.MaxResultChars)
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxResultChars == 0 {
		c.MaxResultChars = DefaultMaxResultChars
	}
	return c, nil
}

// Dependencies are the collaborators a run composes.
type Dependencies struct {
	// LLM is required.
	LLM LLMCaller

	// Tools is required.
	Tools ToolExecutor

	// Validator is required.
	Validator OutputValidator

	// Extractor defaults to toolcall.NewExtractor().
	Extractor ToolCallExtractor

	// Guard defaults to a guard that never skips.
	Guard DuplicateGuard

	// Templates, when set, must know every requested analysis type.
	// When nil a generic instruction naming the type is used.
	Templates TemplateSource

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Executor runs analysis loops.
//
// # Description
//
// Each Run is a single sequential pass of at most MaxSteps steps. A step
// prompts the LLM with the protocol header, the type template, prior
// context, outstanding todos, the transcript, and the current draft. Tool
// calls found in the reply are executed in extraction order and the draft is
// cleared. A reply without tool calls is a draft report: it is rejected as
// fabricated when no tool has produced evidence yet, otherwise validated.
//
// # Thread Safety
//
// Safe for concurrent use. Each Run owns its transcript and draft; the
// collaborators must themselves be safe for concurrent use.
type Executor struct {
	llm       LLMCaller
	tools     ToolExecutor
	validator OutputValidator
	extractor ToolCallExtractor
	guard     DuplicateGuard
	templates TemplateSource
	config    Config
	logger    *slog.Logger
}

// NewExecutor creates an Executor.
//
// Inputs:
//   - deps: Collaborators. LLM, Tools, and Validator must be set.
//   - cfg: Step budget and transcript limits. Zero fields take defaults.
//
// Outputs:
//   - *Executor: Ready to run.
//   - error: ErrMissingDependency or ErrInvalidConfig.
func NewExecutor(deps Dependencies, cfg Config) (*Executor, error) {
	switch {
	case deps.LLM == nil:
		return nil, fmt.Errorf("%w: llm", ErrMissingDependency)
	case deps.Tools == nil:
		return nil, fmt.Errorf("%w: tool executor", ErrMissingDependency)
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: output validator", ErrMissingDependency)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	e := &Executor{
		llm:       deps.LLM,
		tools:     deps.Tools,
		validator: deps.Validator,
		extractor: deps.Extractor,
		guard:     deps.Guard,
		templates: deps.Templates,
		config:    cfg,
		logger:    deps.Logger,
	}
	if e.extractor == nil {
		e.extractor = toolcall.NewExtractor()
	}
	if e.guard == nil {
		e.guard = noopGuard{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.config
}

// run is the mutable state of one Run.
type run struct {
	id         string
	req        Request
	template   string
	transcript Transcript
	draft      string

	guard DuplicateGuard

	best   string
	bestV  *Validation
	last   *Validation
	steps  int
	logger *slog.Logger
}

// Run executes one analysis loop.
//
// # Outputs
//
//   - StatusComplete: the validator accepted a draft backed by tool evidence.
//   - StatusIncomplete: the step budget ran out; the best draft is returned
//     with the gaps of its validation and todos for them.
//   - StatusSkipped: the guard short-circuited the run; the result is empty.
//   - error: *IntegrityError when the LLM reported before any tool evidence
//     (IsFatal reports true), ErrUnknownAnalysisType, ErrInvalidRequest, or
//     the context error when cancelled between steps.
func (e *Executor) Run(ctx context.Context, req Request) (*AnalysisLoopResult, error) {
	if strings.TrimSpace(req.AnalysisType) == "" || strings.TrimSpace(req.ContextKey) == "" {
		return nil, fmt.Errorf("%w: analysis_type and context_key are required", ErrInvalidRequest)
	}

	r := &run{id: uuid.NewString(), req: req}
	r.logger = e.logger.With(
		slog.String("run_id", r.id),
		slog.String("analysis_type", req.AnalysisType),
		slog.String("context_key", req.ContextKey),
	)

	ctx, span := loopTracer.Start(ctx, "loop.Executor.Run", trace.WithAttributes(
		attribute.String("analysis.run_id", r.id),
		attribute.String("analysis.type", req.AnalysisType),
		attribute.String("analysis.context_key", req.ContextKey),
		attribute.Int("analysis.max_steps", e.config.MaxSteps),
	))
	defer span.End()

	start := time.Now()
	result, err := e.run(ctx, r)
	status := outcomeLabel(result, err)
	loopRuns.WithLabelValues(req.AnalysisType, status).Inc()
	if status != string(StatusSkipped) {
		loopSteps.Observe(float64(r.steps))
	}
	span.SetAttributes(
		attribute.String("analysis.status", status),
		attribute.Int("analysis.steps", r.steps),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		r.logger.Error("Analysis loop failed",
			slog.String("outcome", status),
			slog.Int("steps", r.steps),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	span.SetAttributes(attribute.Float64("analysis.completeness", result.CompletenessScore))
	span.SetStatus(codes.Ok, "")
	r.logger.Info("Analysis loop finished",
		slog.String("status", string(result.Status)),
		slog.Int("steps", result.StepsTaken),
		slog.Float64("completeness", result.CompletenessScore),
		slog.Int("missing_sections", len(result.MissingSections)),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (e *Executor) run(ctx context.Context, r *run) (*AnalysisLoopResult, error) {
	template, err := e.resolveTemplate(r.req.AnalysisType)
	if err != nil {
		return nil, err
	}
	r.template = template

	if decision := e.guard.ShouldSkipRun(ctx, r.req.ContextKey); decision.Skip {
		r.logger.Info("Analysis run skipped by guard", slog.String("reason", decision.Reason))
		return &AnalysisLoopResult{
			AnalysisType:    r.req.AnalysisType,
			MissingSections: []string{},
			GeneratedTodos:  []Todo{},
			Status:          StatusSkipped,
			SkipReason:      decision.Reason,
		}, nil
	}
	r.guard = e.guard
	if scoped, ok := e.guard.(RunScopedGuard); ok {
		r.guard = scoped.ForRun(r.req.ContextKey)
	}

	for step := 1; step <= e.config.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("analysis loop canceled before step %d: %w", step, err)
		}
		r.steps = step

		done, err := e.step(ctx, r, step)
		if err != nil {
			return nil, err
		}
		if done {
			e.guard.RecordSuccess(r.req.ContextKey)
			return r.result(StatusComplete, nil), nil
		}
	}

	return e.exhausted(ctx, r), nil
}

// step runs one iteration. It reports true when the validator accepted
// the draft.
func (e *Executor) step(ctx context.Context, r *run, step int) (bool, error) {
	ctx, span := loopTracer.Start(ctx, "loop.Executor.step", trace.WithAttributes(
		attribute.Int("analysis.step", step),
	))
	defer span.End()

	prompt := BuildPrompt(PromptInput{
		Template:     r.template,
		PriorContext: r.req.PriorContext,
		Todos:        r.req.Todos,
		Transcript:   r.transcript.Render(),
		Draft:        r.draft,
	})
	reply := e.llm.Complete(ctx, prompt)
	if strings.TrimSpace(reply) == "" {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("analysis loop canceled during step %d: %w", step, err)
		}
	}

	calls := e.extractor.Extract(reply)
	span.SetAttributes(attribute.Int("analysis.tool_calls", len(calls)))

	if len(calls) > 0 {
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return false, fmt.Errorf("analysis loop canceled during step %d: %w", step, err)
			}
			e.executeCall(ctx, r, step, call)
		}
		r.draft = ""
		return false, nil
	}

	// An empty reply counts as a report here: a model that never calls a
	// tool must not run out the budget and come back incomplete.
	if !r.transcript.HasEvidence() {
		err := &IntegrityError{AnalysisType: r.req.AnalysisType, ContextKey: r.req.ContextKey, Step: step}
		span.RecordError(err)
		span.SetStatus(codes.Error, "fabricated output")
		return false, err
	}

	r.draft = CleanDraft(reply)
	v := e.validate(ctx, r, r.draft)
	span.SetAttributes(
		attribute.Bool("analysis.valid", v.IsValid),
		attribute.Float64("analysis.completeness", v.Completeness),
	)
	if v.IsValid {
		return true, nil
	}

	r.transcript.Append(Entry{
		Step: step,
		Kind: EntryRequest,
		Text: missingSectionsRequest(v.MissingSections),
	})
	r.logger.Debug("Draft rejected by validator",
		slog.Int("step", step),
		slog.Float64("completeness", v.Completeness),
		slog.Any("missing_sections", v.MissingSections),
	)
	return false, nil
}

// executeCall runs one tool call under the guard and appends its outcome.
func (e *Executor) executeCall(ctx context.Context, r *run, step int, call toolcall.ToolCallInfo) {
	label := toolLabel(call.Name)
	desc := describeCall(call.Name, call.Parameters)

	decision := r.guard.ShouldSkipToolCall(call.Name, call.Parameters)
	if decision.Skip {
		if decision.Cached != nil {
			loopToolCalls.WithLabelValues(label, "cached").Inc()
			r.transcript.Append(Entry{
				Step: step,
				Kind: EntryCachedResult,
				Tool: call.Name,
				Text: desc + " => " + e.renderResult(*decision.Cached),
			})
			return
		}
		loopToolCalls.WithLabelValues(label, "skipped").Inc()
		reason := decision.Reason
		if reason == "" {
			reason = "duplicate call"
		}
		r.transcript.Append(Entry{
			Step: step,
			Kind: EntrySkipped,
			Tool: call.Name,
			Text: desc + " => not executed: " + reason + ". Use the earlier result or a different call.",
		})
		return
	}

	result := e.tools.Execute(ctx, call.Name, r.req.ContextKey, call.Parameters)
	r.guard.RecordToolCall(call.Name, call.Parameters, result)

	outcome := "ok"
	if result.Failed() {
		outcome = "error"
		r.logger.Debug("Tool call failed",
			slog.Int("step", step),
			slog.String("tool", call.Name),
			slog.String("error", result.Error),
		)
	}
	loopToolCalls.WithLabelValues(label, outcome).Inc()

	r.transcript.Append(Entry{
		Step: step,
		Kind: EntryToolResult,
		Tool: call.Name,
		Text: desc + " => " + e.renderResult(result),
	})
}

func (e *Executor) renderResult(res ToolResult) string {
	if res.Failed() {
		return "error: " + truncate(res.Error, e.config.MaxResultChars)
	}
	if strings.TrimSpace(res.Data) == "" {
		return "(no output)"
	}
	return truncate(res.Data, e.config.MaxResultChars)
}

// validate runs the validator and tracks the best draft seen so far.
// Ties keep the earlier draft.
func (e *Executor) validate(ctx context.Context, r *run, draft string) Validation {
	v := e.validator.Validate(ctx, draft, r.req.AnalysisType)
	v.Completeness = clamp01(v.Completeness)
	r.last = &v
	if r.bestV == nil || v.Completeness > r.bestV.Completeness {
		r.best = draft
		r.bestV = &v
	}
	return v
}

// exhausted builds the incomplete result after the budget runs out. The
// best draft is the one with the highest completeness, reported with its own
// validation. A run that never produced a draft validates the empty draft
// once so the gaps are still reported.
func (e *Executor) exhausted(ctx context.Context, r *run) *AnalysisLoopResult {
	if r.bestV == nil {
		e.validate(ctx, r, r.best)
	}
	todos := e.validator.GenerateTodos(append([]string(nil), r.bestV.MissingSections...), r.req.AnalysisType)
	r.logger.Warn("Analysis loop exhausted its step budget",
		slog.Int("max_steps", e.config.MaxSteps),
		slog.Float64("best_completeness", r.bestV.Completeness),
	)
	return r.result(StatusIncomplete, todos)
}

// result snapshots the run into an AnalysisLoopResult.
func (r *run) result(status Status, todos []Todo) *AnalysisLoopResult {
	res := &AnalysisLoopResult{
		AnalysisType:       r.req.AnalysisType,
		StepsTaken:         r.steps,
		ToolCallTranscript: r.transcript.Render(),
		Status:             status,
		MissingSections:    []string{},
		GeneratedTodos:     []Todo{},
	}
	text, v := r.best, r.bestV
	if status == StatusComplete {
		text, v = r.draft, r.last
	}
	res.FinalText = text
	if v != nil {
		res.CompletenessScore = v.Completeness
		res.MissingSections = append(res.MissingSections, v.MissingSections...)
	}
	res.GeneratedTodos = append(res.GeneratedTodos, todos...)
	return res
}

func (e *Executor) resolveTemplate(analysisType string) (string, error) {
	if e.templates == nil {
		return "Produce a " + analysisType + " analysis report of the project as markdown with one heading per section.", nil
	}
	t, ok := e.templates.Template(analysisType)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAnalysisType, analysisType)
	}
	return t, nil
}

func missingSectionsRequest(missing []string) string {
	if len(missing) == 0 {
		return "The draft was rejected. Please expand it and address every required section."
	}
	return "Please address missing sections: " + strings.Join(missing, ", ")
}

func outcomeLabel(result *AnalysisLoopResult, err error) string {
	switch {
	case err == nil && result != nil:
		return string(result.Status)
	case IsFatal(err):
		return "fatal"
	case ctxErr(err):
		return "canceled"
	default:
		return "error"
	}
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// toolLabel bounds metric cardinality to the canonical tool set.
func toolLabel(name string) string {
	if toolcall.IsKnownTool(name) {
		return name
	}
	return "other"
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// noopGuard never skips and remembers nothing.
type noopGuard struct{}

func (noopGuard) ShouldSkipRun(context.Context, string) RunDecision      { return RunDecision{} }
func (noopGuard) ShouldSkipToolCall(string, map[string]any) CallDecision { return CallDecision{} }
func (noopGuard) RecordToolCall(string, map[string]any, ToolResult)      {}
func (noopGuard) RecordSuccess(string)                                   {}
