// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolcall extracts tool invocations from free-form LLM replies.
//
// Models encode tool calls in several incompatible ways. Each encoding has
// its own Parser; the Extractor tries them in priority order and returns the
// first non-empty result, with every tool name mapped onto the small
// canonical set the executor dispatches on.
package toolcall

// ToolCallInfo is one extracted tool invocation.
type ToolCallInfo struct {
	// Name is the canonical tool name.
	Name string `json:"name"`

	// Parameters are the call arguments. Never nil.
	Parameters map[string]any `json:"parameters"`
}

// Parser extracts tool calls in one encoding. It returns nil when the
// encoding is absent. Parsers may panic on pathological input; the
// Extractor contains that.
type Parser func(text string) []ToolCallInfo

// Format names a parser in the cascade.
type Format string

const (
	FormatEnvelope Format = "envelope"
	FormatInvoke   Format = "invoke"
	FormatBracket  Format = "bracketed"
	FormatToolCode Format = "tool_code"
	FormatFenced   Format = "fenced"
	FormatNatural  Format = "natural_language"
)
