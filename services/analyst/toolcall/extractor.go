// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolcall

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// extractions counts replies by the format that matched ("none" when no parser matched).
	extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_toolcall_extractions_total",
		Help: "Total LLM replies processed by the tool call extractor, by matched format",
	}, []string{"format"})

	// parserPanics counts parser panics contained by the extractor.
	parserPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_toolcall_parser_panics_total",
		Help: "Total panics recovered from tool call format parsers",
	}, []string{"format"})
)

// FormatParser pairs a Parser with its Format name.
type FormatParser struct {
	Format Format
	Parse  Parser
}

// DefaultParsers returns the cascade in priority order.
func DefaultParsers() []FormatParser {
	return []FormatParser{
		{FormatEnvelope, ParseEnvelope},
		{FormatInvoke, ParseInvoke},
		{FormatBracket, ParseBracketed},
		{FormatToolCode, ParseToolCode},
		{FormatFenced, ParseFenced},
		{FormatNatural, ParseNaturalLanguage},
	}
}

// Extractor runs the parser cascade.
//
// # Description
//
// Parsers are tried in order; the first one returning a non-empty list
// wins and results are never merged across formats. A parser that panics
// is treated as "no match" and the cascade moves on.
//
// # Thread Safety
//
// Safe for concurrent use; the parser list is fixed at construction.
type Extractor struct {
	parsers []FormatParser
	logger  *slog.Logger
}

// ExtractorOption customizes an Extractor.
type ExtractorOption func(*Extractor)

// WithParsers replaces the cascade.
func WithParsers(parsers ...FormatParser) ExtractorOption {
	return func(e *Extractor) {
		e.parsers = append([]FormatParser(nil), parsers...)
	}
}

// WithExtractorLogger sets the logger for contained panics.
func WithExtractorLogger(logger *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExtractor creates an Extractor with the default cascade.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		parsers: DefaultParsers(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the tool calls in reply, or an empty (non-nil) slice.
// It never panics.
func (e *Extractor) Extract(reply string) []ToolCallInfo {
	calls, _ := e.ExtractWithFormat(reply)
	return calls
}

// ExtractWithFormat is Extract plus the format that matched ("" for none).
func (e *Extractor) ExtractWithFormat(reply string) ([]ToolCallInfo, Format) {
	if reply == "" {
		extractions.WithLabelValues("none").Inc()
		return []ToolCallInfo{}, ""
	}
	for _, p := range e.parsers {
		calls, err := e.safeParse(p, reply)
		if err != nil {
			parserPanics.WithLabelValues(string(p.Format)).Inc()
			e.logger.Warn("Tool call parser panicked",
				slog.String("format", string(p.Format)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(calls) > 0 {
			extractions.WithLabelValues(string(p.Format)).Inc()
			return calls, p.Format
		}
	}
	extractions.WithLabelValues("none").Inc()
	return []ToolCallInfo{}, ""
}

func (e *Extractor) safeParse(p FormatParser, reply string) (calls []ToolCallInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			calls = nil
			err = fmt.Errorf("parser %s panic: %v", p.Format, r)
		}
	}()
	return p.Parse(reply), nil
}
