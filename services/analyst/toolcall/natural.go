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

var (
	naturalCallPattern   = regexp.MustCompile(`(?i)^\s*(?:[-*>]\s*)?call\s+tool\s*:\s*` + "`?" + `([\w.:-]+)` + "`?" + `\s*$`)
	naturalParamsPattern = regexp.MustCompile(`(?i)^\s*(?:[-*>]\s*)?parameters\s*:\s*\{(.*)\}\s*$`)

	// naturalPairPattern matches key: value where value is quoted or runs to the next comma.
	naturalPairPattern = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*:\s*(?:"([^"]*)"|'([^']*)'|([^,]+))`)
)

// ParseNaturalLanguage is the last-resort parser for replies like:
//
//	Call tool: read_file
//	Parameters: {path: "main.go", max_bytes: 4096}
//
// The parameters line must directly follow the call line (blank lines
// allowed). A call line without one yields a call with no parameters.
func ParseNaturalLanguage(text string) []ToolCallInfo {
	lines := strings.Split(text, "\n")
	var calls []ToolCallInfo
	for i := 0; i < len(lines); i++ {
		m := naturalCallPattern.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		params := map[string]any{}
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "" {
				continue
			}
			if pm := naturalParamsPattern.FindStringSubmatch(lines[j]); pm != nil {
				params = naturalParams(pm[1])
				i = j
			}
			break
		}
		if call, ok := newCall(m[1], params); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func naturalParams(body string) map[string]any {
	params := map[string]any{}
	for _, m := range naturalPairPattern.FindAllStringSubmatch(body, -1) {
		switch {
		case m[2] != "" || strings.Contains(m[0], `""`):
			params[m[1]] = m[2]
		case m[3] != "":
			params[m[1]] = m[3]
		default:
			params[m[1]] = decodeValue(strings.TrimSpace(m[4]))
		}
	}
	return params
}
