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

import "regexp"

var (
	bracketBlockPattern = regexp.MustCompile(`(?s)\[TOOL_CALL\](.*?)\[/TOOL_CALL\]`)
	bracketToolPattern  = regexp.MustCompile(`tool\s*=>\s*["']([^"']+)["']`)

	// flagParamPattern matches --key "value" (or single-quoted).
	flagParamPattern = regexp.MustCompile(`--([\w-]+)\s+(?:"([^"]*)"|'([^']*)')`)

	// colonParamPattern matches key: "value" (or single-quoted).
	colonParamPattern = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*:\s*(?:"([^"]*)"|'([^']*)')`)
)

// ParseBracketed extracts bracketed pseudo-calls:
//
//	[TOOL_CALL]{tool => "search_files", args => {--pattern "TODO" --path "src"}}[/TOOL_CALL]
//	[TOOL_CALL]{tool => "read_file", args => {path: "main.go"}}[/TOOL_CALL]
func ParseBracketed(text string) []ToolCallInfo {
	var calls []ToolCallInfo
	for _, block := range bracketBlockPattern.FindAllStringSubmatch(text, -1) {
		body := block[1]
		tm := bracketToolPattern.FindStringSubmatchIndex(body)
		if tm == nil {
			continue
		}
		name := body[tm[2]:tm[3]]
		rest := body[tm[1]:]

		params := map[string]any{}
		for _, m := range flagParamPattern.FindAllStringSubmatch(rest, -1) {
			params[m[1]] = pick(m[2], m[3])
		}
		for _, m := range colonParamPattern.FindAllStringSubmatch(rest, -1) {
			if _, exists := params[m[1]]; !exists {
				params[m[1]] = pick(m[2], m[3])
			}
		}
		if call, ok := newCall(name, params); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// pick returns the double-quoted capture unless only the single-quoted one matched.
func pick(double, single string) string {
	if double == "" && single != "" {
		return single
	}
	return double
}
