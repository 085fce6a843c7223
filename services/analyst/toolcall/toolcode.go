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

var (
	toolCodeBlockPattern = regexp.MustCompile(`(?s)<tool_code>(.*?)</tool_code>`)
	toolCodeNamePattern  = regexp.MustCompile(`tool\s*=>\s*['"]([^'"]+)['"]`)
	toolCodeArgsPattern  = regexp.MustCompile(`(?s)args\s*=>\s*(.*)`)

	// xmlPairPattern matches <key>value</key>; the closing name is checked in code.
	xmlPairPattern = regexp.MustCompile(`(?s)<([A-Za-z_][\w-]*)>(.*?)</([A-Za-z_][\w-]*)>`)
)

// ParseToolCode extracts inline pseudo-calls:
//
//	<tool_code>{tool => 'read_file', args => '<path>main.go</path>'}</tool_code>
//	<tool_code>{tool => 'list_directory', args => '{"path": "."}'}</tool_code>
//
// Parameters come from nested <key>value</key> pairs or from a JSON object
// embedded in the args.
func ParseToolCode(text string) []ToolCallInfo {
	var calls []ToolCallInfo
	for _, block := range toolCodeBlockPattern.FindAllStringSubmatch(text, -1) {
		body := block[1]
		nm := toolCodeNamePattern.FindStringSubmatch(body)
		if nm == nil {
			continue
		}
		params := map[string]any{}
		if am := toolCodeArgsPattern.FindStringSubmatch(body); am != nil {
			params = toolCodeParams(am[1])
		}
		if call, ok := newCall(nm[1], params); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func toolCodeParams(args string) map[string]any {
	params := map[string]any{}

	for _, m := range xmlPairPattern.FindAllStringSubmatch(args, -1) {
		if m[1] != m[3] {
			continue
		}
		params[m[1]] = decodeValue(m[2])
	}
	if len(params) > 0 {
		return params
	}

	for _, span := range balancedObjects(args) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(span), &obj); err == nil {
			return obj
		}
		// Single-quoted pseudo-JSON is common enough to retry once.
		if err := json.Unmarshal([]byte(strings.ReplaceAll(span, "'", `"`)), &obj); err == nil {
			return obj
		}
	}
	return params
}
