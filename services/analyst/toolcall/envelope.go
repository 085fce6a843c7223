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
	"encoding/json"
	"regexp"
	"strings"
)

// jsonFencePattern captures the body of ```json fenced blocks.
var jsonFencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n(.*?)```")

type envelope struct {
	Parts []envelopePart `json:"parts"`
}

type envelopePart struct {
	Type       string         `json:"type"`
	ToolName   string         `json:"toolName"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Args       map[string]any `json:"args"`
}

// ParseEnvelope extracts calls from a structured JSON envelope:
//
//	{"parts": [{"type": "tool", "toolName": "read_file", "parameters": {"path": "go.mod"}}]}
//
// The envelope is looked for in the whole reply, then inside fenced code
// blocks, then in each balanced {...} span. The first candidate that holds
// at least one tool part wins.
func ParseEnvelope(text string) []ToolCallInfo {
	if !strings.Contains(text, `"parts"`) {
		return nil
	}

	candidates := []string{strings.TrimSpace(text)}
	for _, m := range jsonFencePattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	candidates = append(candidates, balancedObjects(text)...)

	for _, c := range candidates {
		if calls := decodeEnvelope(c); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

func decodeEnvelope(candidate string) []ToolCallInfo {
	if !strings.HasPrefix(candidate, "{") {
		return nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil
	}

	var calls []ToolCallInfo
	for _, p := range env.Parts {
		if !strings.EqualFold(p.Type, "tool") {
			continue
		}
		name := p.ToolName
		if name == "" {
			name = p.Name
		}
		params := p.Parameters
		if params == nil {
			params = p.Args
		}
		if call, ok := newCall(name, params); ok {
			calls = append(calls, call)
		}
	}
	return calls
}
