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
	"regexp"
	"strings"
)

// fencePattern captures the opening line remainder and body of ``` blocks.
var fencePattern = regexp.MustCompile("(?s)```([^\n`]*)\n(.*?)```")

// reasoningMarkers open blocks that hold model reasoning, never calls.
var reasoningMarkers = map[string]bool{
	"think":      true,
	"thinking":   true,
	"thought":    true,
	"reasoning":  true,
	"analysis":   true,
	"reflection": true,
	"plan":       true,
}

// ParseFenced extracts calls written as fenced blocks led by a tool name:
//
//	```read_file path="main.go"
//	```
//
// The first token is taken from the fence's info string, or from the first
// non-empty body line when the info string is empty. The block counts only
// when that token is a known tool and the same line carries at least one
// key="value" attribute, so ordinary ```bash examples in a report are not
// mistaken for calls.
func ParseFenced(text string) []ToolCallInfo {
	var calls []ToolCallInfo
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		line := strings.TrimSpace(m[1])
		if line == "" {
			line = firstNonEmptyLine(m[2])
		}
		token, rest, _ := strings.Cut(line, " ")
		token = strings.TrimSpace(token)
		if token == "" || reasoningMarkers[strings.ToLower(token)] || !IsKnownTool(token) {
			continue
		}
		params := parseAttributes(rest)
		if len(params) == 0 {
			continue
		}
		if call, ok := newCall(token, params); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
