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
	"strings"
	"unicode"
)

// Canonical tool names.
const (
	ToolRunCommand    = "run_command"
	ToolListDirectory = "list_directory"
	ToolReadFile      = "read_file"
	ToolSearchFiles   = "search_files"
	ToolFindFiles     = "find_files"
)

// aliases maps every normalized spelling to its canonical name.
var aliases = map[string]string{
	ToolRunCommand:    ToolRunCommand,
	"bash":            ToolRunCommand,
	"shell":           ToolRunCommand,
	"sh":              ToolRunCommand,
	"cmd":             ToolRunCommand,
	"terminal":        ToolRunCommand,
	"execute_command": ToolRunCommand,
	"run_shell":       ToolRunCommand,
	"exec":            ToolRunCommand,

	ToolListDirectory: ToolListDirectory,
	"ls":              ToolListDirectory,
	"dir":             ToolListDirectory,
	"list_dir":        ToolListDirectory,
	"list_files":      ToolListDirectory,
	"listdir":         ToolListDirectory,

	ToolReadFile: ToolReadFile,
	"cat":        ToolReadFile,
	"read":       ToolReadFile,
	"view_file":  ToolReadFile,
	"open_file":  ToolReadFile,
	"type":       ToolReadFile,

	ToolSearchFiles: ToolSearchFiles,
	"grep":          ToolSearchFiles,
	"rg":            ToolSearchFiles,
	"search":        ToolSearchFiles,
	"search_code":   ToolSearchFiles,
	"find_in_files": ToolSearchFiles,

	ToolFindFiles: ToolFindFiles,
	"find":        ToolFindFiles,
	"glob":        ToolFindFiles,
	"locate":      ToolFindFiles,
}

// CanonicalTools returns the canonical names in a stable order.
func CanonicalTools() []string {
	return []string{ToolRunCommand, ToolListDirectory, ToolReadFile, ToolSearchFiles, ToolFindFiles}
}

// Canonicalize maps a raw tool name onto its canonical name.
//
// Names are normalized first: namespace prefixes such as "functions." or
// "mcp:" are dropped, the rest is lower-cased and separators become
// underscores. Unknown names are returned normalized.
func Canonicalize(raw string) string {
	n := normalize(raw)
	if c, ok := aliases[n]; ok {
		return c
	}
	return n
}

// IsKnownTool reports whether raw is a canonical name or a known alias.
func IsKnownTool(raw string) bool {
	_, ok := aliases[normalize(raw)]
	return ok
}

func normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "`'\"")
	if i := strings.LastIndexAny(s, ".:/"); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}

	var b strings.Builder
	b.Grow(len(s))
	prevUnderscore := false
	prevLower := false
	for _, r := range s {
		switch {
		case r == '-' || r == ' ' || r == '_':
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
			prevLower = false
		case unicode.IsUpper(r):
			// camelCase boundary: readFile -> read_file, but BASH -> bash.
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevUnderscore = false
			prevLower = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
