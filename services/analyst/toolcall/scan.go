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

// maxSpanScan bounds how much text balancedObjects inspects.
const maxSpanScan = 1 << 20

// balancedObjects returns every outermost {...} span in text, skipping braces
// inside JSON string literals. Unbalanced trailing text is ignored.
func balancedObjects(text string) []string {
	if len(text) > maxSpanScan {
		text = text[:maxSpanScan]
	}
	var (
		spans    []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, text[start:i+1])
				start = -1
			}
		}
	}
	return spans
}

// decodeValue turns a raw parameter string into a value. JSON objects and
// arrays are decoded, true/false become booleans, and everything else stays
// a trimmed string (numbers included, so "0755" keeps its digits).
func decodeValue(raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	switch v[0] {
	case '{', '[':
		var out any
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}

// attributePattern matches key="value" and key='value' pairs.
var attributePattern = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*=\s*(?:"((?:[^"\\]|\\.)*)"|'([^']*)')`)

// parseAttributes collects key="value" pairs from s.
func parseAttributes(s string) map[string]any {
	params := map[string]any{}
	for _, m := range attributePattern.FindAllStringSubmatch(s, -1) {
		val := m[2]
		if m[3] != "" {
			val = m[3]
		}
		params[m[1]] = unescapeQuoted(val)
	}
	return params
}

// unescapeQuoted resolves \" and \\ escapes.
func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n", `\t`, "\t").Replace(s)
}

// newCall builds a ToolCallInfo with a canonical name and non-nil params.
func newCall(rawName string, params map[string]any) (ToolCallInfo, bool) {
	name := Canonicalize(rawName)
	if name == "" {
		return ToolCallInfo{}, false
	}
	if params == nil {
		params = map[string]any{}
	}
	return ToolCallInfo{Name: name, Parameters: params}, true
}
