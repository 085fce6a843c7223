// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/analyst/services/analyst/loop"
)

var (
	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_validator_validations_total",
		Help: "Total draft validations by analysis type and verdict",
	}, []string{"analysis_type", "verdict"})

	rulesReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_validator_rule_reloads_total",
		Help: "Total validator rule reloads by outcome",
	}, []string{"outcome"})
)

// Validator is the default loop.OutputValidator and loop.TemplateSource.
//
// # Description
//
// A draft's completeness is the fraction of the type's required sections
// it covers. A draft is valid when completeness reaches the rule threshold
// and the draft meets the minimum length. Rules can be swapped at any time
// with SetRules; in-flight validations finish against the rules they began
// with.
//
// # Thread Safety
//
// Safe for concurrent use.
type Validator struct {
	rules  atomic.Pointer[Rules]
	logger *slog.Logger
}

// New creates a Validator. Nil rules means DefaultRules().
func New(rules *Rules, logger *slog.Logger) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{logger: logger}
	v.rules.Store(rules)
	return v
}

// Rules returns the active rules.
func (v *Validator) Rules() *Rules {
	return v.rules.Load()
}

// SetRules atomically replaces the active rules.
func (v *Validator) SetRules(rules *Rules) {
	if rules == nil {
		return
	}
	v.rules.Store(rules)
}

// Reload loads path and swaps it in. The active rules are kept on error.
func (v *Validator) Reload(ctx context.Context, path string) error {
	rules, err := LoadRulesFile(ctx, path)
	if err != nil {
		rulesReloads.WithLabelValues("error").Inc()
		v.logger.Error("Validator rules reload failed, keeping active rules",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	v.SetRules(rules)
	rulesReloads.WithLabelValues("ok").Inc()
	v.logger.Info("Validator rules reloaded",
		slog.String("path", path),
		slog.Int("types", len(rules.Types)),
	)
	return nil
}

// Types returns the configured analysis types, sorted, excluding the
// default entry.
func (v *Validator) Types() []string {
	rules := v.rules.Load()
	types := make([]string, 0, len(rules.Types))
	for t := range rules.Types {
		if t != DefaultType {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// Template implements loop.TemplateSource.
func (v *Validator) Template(analysisType string) (string, bool) {
	rule, ok := v.rules.Load().Rule(analysisType)
	if !ok {
		return "", false
	}
	if strings.TrimSpace(rule.Template) != "" {
		return rule.Template, true
	}
	names := make([]string, 0, len(rule.Sections))
	for _, s := range rule.Sections {
		names = append(names, s.Name)
	}
	return fmt.Sprintf("Produce a %s analysis as a markdown report with the sections: %s.", analysisType, strings.Join(names, ", ")), true
}

// Validate implements loop.OutputValidator.
func (v *Validator) Validate(_ context.Context, draft, analysisType string) loop.Validation {
	rules := v.rules.Load()
	rule, ok := rules.Rule(analysisType)
	label := analysisType
	if _, known := rules.Types[analysisType]; !known {
		label = DefaultType
	}
	if !ok {
		// No rule and no default: any draft meeting the length bar passes.
		valid := strings.TrimSpace(draft) != "" && len(draft) >= rules.MinLength
		completeness := 0.0
		if valid {
			completeness = 1
		}
		validations.WithLabelValues(label, verdict(valid)).Inc()
		return loop.Validation{IsValid: valid, Completeness: completeness, MissingSections: []string{}}
	}

	titles := sectionTitles(draft)
	missing := make([]string, 0)
	for _, s := range rule.Sections {
		if !covers(titles, s) {
			missing = append(missing, s.Name)
		}
	}
	completeness := float64(len(rule.Sections)-len(missing)) / float64(len(rule.Sections))
	valid := completeness >= rules.Threshold && len(strings.TrimSpace(draft)) >= rules.MinLength

	validations.WithLabelValues(label, verdict(valid)).Inc()
	return loop.Validation{
		IsValid:         valid,
		Completeness:    completeness,
		MissingSections: missing,
	}
}

// GenerateTodos implements loop.OutputValidator. Sections unknown to the
// rule still get a todo with a generic description.
func (v *Validator) GenerateTodos(missingSections []string, analysisType string) []loop.Todo {
	rule, _ := v.rules.Load().Rule(analysisType)
	descriptions := make(map[string]string, len(rule.Sections))
	for _, s := range rule.Sections {
		descriptions[normalize(s.Name)] = s.Description
	}

	todos := make([]loop.Todo, 0, len(missingSections))
	for _, name := range missingSections {
		desc := descriptions[normalize(name)]
		if desc == "" {
			desc = "Add the " + name + " section, backed by tool evidence."
		}
		todos = append(todos, loop.Todo{Section: name, Description: desc})
	}
	return todos
}

func verdict(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

var (
	_ loop.OutputValidator = (*Validator)(nil)
	_ loop.TemplateSource  = (*Validator)(nil)
)
