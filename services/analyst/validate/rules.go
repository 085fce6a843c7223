// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate judges analysis drafts against per-type section rules.
package validate

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

const (
	// MaxRulesFileSize is the maximum allowed rules file size (1MB).
	MaxRulesFileSize = 1024 * 1024

	// MaxSectionsPerType bounds one analysis type's required sections.
	MaxSectionsPerType = 32

	// DefaultType is the rule set used for types without their own entry.
	DefaultType = "default"
)

// ErrInvalidRules is returned for rules that fail validation.
var ErrInvalidRules = errors.New("invalid validation rules")

//go:embed rules.yaml
var defaultRulesYAML []byte

var validateTracer = otel.Tracer("analyst.validate")

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Rules is the full rule set.
type Rules struct {
	// MinLength is the minimum draft length in bytes for a valid draft.
	MinLength int `yaml:"min_length" validate:"gte=0"`

	// Threshold is the minimum completeness for a valid draft.
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`

	// Types maps analysis type to its rule.
	Types map[string]TypeRule `yaml:"types" validate:"required,min=1,dive"`
}

// TypeRule describes one analysis type.
type TypeRule struct {
	// Template is the task prompt for the type.
	Template string `yaml:"template"`

	// Sections are the required report sections, in report order.
	Sections []SectionRule `yaml:"sections" validate:"required,min=1,max=32,dive"`
}

// SectionRule is one required section.
type SectionRule struct {
	Name        string   `yaml:"name" validate:"required"`
	Aliases     []string `yaml:"aliases,omitempty" validate:"dive,required"`
	Description string   `yaml:"description,omitempty"`
}

// Rule returns the rule for analysisType, falling back to DefaultType.
func (r *Rules) Rule(analysisType string) (TypeRule, bool) {
	if rule, ok := r.Types[analysisType]; ok {
		return rule, true
	}
	rule, ok := r.Types[DefaultType]
	return rule, ok
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *Rules {
	rules, err := ParseRules(context.Background(), defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("validate: built-in rules are invalid: %v", err))
	}
	return rules
}

// LoadRulesFile reads and parses a rules file.
//
// Inputs:
//   - ctx: For tracing.
//   - path: Rules YAML path. Files larger than MaxRulesFileSize are rejected.
//
// Outputs:
//   - *Rules: Parsed and validated rules.
//   - error: Read, size, parse, or validation failure.
func LoadRulesFile(ctx context.Context, path string) (*Rules, error) {
	ctx, span := validateTracer.Start(ctx, "validate.LoadRulesFile",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat rules file: %w", err)
	}
	if info.Size() > MaxRulesFileSize {
		return nil, fmt.Errorf("rules file too large: %d bytes (max %d)", info.Size(), MaxRulesFileSize)
	}
	span.SetAttributes(attribute.Int64("file_size", info.Size()))

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(ctx, data)
}

// ParseRules parses rules YAML. Unknown fields are rejected.
func ParseRules(ctx context.Context, data []byte) (*Rules, error) {
	_, span := validateTracer.Start(ctx, "validate.ParseRules")
	defer span.End()

	var rules Rules
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling YAML: %v", ErrInvalidRules, err)
	}
	if err := structValidator.Struct(&rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	for name, rule := range rules.Types {
		seen := make(map[string]bool, len(rule.Sections))
		for _, s := range rule.Sections {
			key := normalize(s.Name)
			if seen[key] {
				return nil, fmt.Errorf("%w: type %q lists section %q twice", ErrInvalidRules, name, s.Name)
			}
			seen[key] = true
		}
	}
	if rules.Threshold == 0 {
		rules.Threshold = 1
	}
	span.SetAttributes(attribute.Int("types", len(rules.Types)))
	return &rules, nil
}
