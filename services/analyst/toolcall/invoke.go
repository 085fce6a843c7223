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
	// invokePattern matches <invoke name="X">...</invoke>, optionally namespaced (<ns:invoke>).
	invokePattern = regexp.MustCompile(`(?s)<(?:[\w-]+:)?invoke\s+name\s*=\s*["']([^"']+)["']\s*>(.*?)</(?:[\w-]+:)?invoke\s*>`)

	// parameterPattern matches <parameter name="K">V</parameter> inside an invoke body.
	parameterPattern = regexp.MustCompile(`(?s)<(?:[\w-]+:)?parameter\s+name\s*=\s*["']([^"']+)["']\s*>(.*?)</(?:[\w-]+:)?parameter\s*>`)
)

// ParseInvoke extracts tag-based invocations:
//
//	<function_calls>
//	<invoke name="read_file"><parameter name="path">main.go</parameter></invoke>
//	</function_calls>
//
// The provider wrapper tag is optional and ignored. Parameter values that
// are JSON objects or arrays are decoded.
func ParseInvoke(text string) []ToolCallInfo {
	var calls []ToolCallInfo
	for _, m := range invokePattern.FindAllStringSubmatch(text, -1) {
		params := map[string]any{}
		for _, p := range parameterPattern.FindAllStringSubmatch(m[2], -1) {
			params[p[1]] = decodeValue(p[2])
		}
		if call, ok := newCall(m[1], params); ok {
			calls = append(calls, call)
		}
	}
	return calls
}
