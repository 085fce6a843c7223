// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"fmt"
	"sort"
	"strings"
)

// EntryKind classifies a transcript entry.
type EntryKind int

const (
	// EntryToolResult is an executed tool call and its output.
	EntryToolResult EntryKind = iota

	// EntryCachedResult is a tool call answered from the guard's cache.
	EntryCachedResult

	// EntrySkipped is a tool call the guard refused to run.
	EntrySkipped

	// EntryRequest is a validator request for missing sections.
	EntryRequest
)

// String returns the transcript tag for the kind.
func (k EntryKind) String() string {
	switch k {
	case EntryToolResult:
		return "tool"
	case EntryCachedResult:
		return "cached"
	case EntrySkipped:
		return "skipped"
	case EntryRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Entry is one transcript line.
type Entry struct {
	Step int
	Kind EntryKind

	// Tool is the canonical tool name. Empty for requests.
	Tool string

	// Text is the human-readable line shown to the LLM.
	Text string
}

// evidence reports whether the entry carries real tool output.
func (e Entry) evidence() bool {
	return e.Kind == EntryToolResult || e.Kind == EntryCachedResult
}

// Transcript is the append-only log of tool results a run accumulates.
//
// Entries are never edited or removed. The zero value is ready to use.
// Not safe for concurrent use; a run owns its transcript.
type Transcript struct {
	entries []Entry
}

// Append adds an entry.
func (t *Transcript) Append(e Entry) {
	t.entries = append(t.entries, e)
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Empty reports whether nothing has been appended.
func (t *Transcript) Empty() bool {
	return len(t.entries) == 0
}

// HasEvidence reports whether at least one tool produced output.
func (t *Transcript) HasEvidence() bool {
	for _, e := range t.entries {
		if e.evidence() {
			return true
		}
	}
	return false
}

// Entries returns a copy of the entries.
func (t *Transcript) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Render formats the transcript as prompt text, one entry per line.
func (t *Transcript) Render() string {
	if len(t.entries) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range t.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[step %d] [%s] %s", e.Step, e.Kind, e.Text)
	}
	return b.String()
}

// describeCall renders name(k=v, ...) with keys sorted.
func describeCall(name string, params map[string]any) string {
	if len(params) == 0 {
		return name + "()"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// truncate shortens s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-cut)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
