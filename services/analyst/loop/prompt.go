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
	"strings"
)

// ProtocolHeader opens every prompt. It forbids conversational filler and
// requires tool evidence before any report.
const ProtocolHeader = `You are a code analysis agent. Follow this protocol strictly:
- Do not greet, apologize, or describe what you are about to do.
- Gather evidence with tools before writing anything. A report written without tool results is rejected.
- To call a tool, reply with tool calls only. Available tools: list_directory, read_file, search_files, find_files, run_command.
- When the evidence is sufficient, reply with the final markdown report only, no tool calls and no preamble.`

// PromptInput is everything one step's prompt is built from.
type PromptInput struct {
	Template     string
	PriorContext string
	Todos        []Todo
	Transcript   string
	Draft        string
}

// BuildPrompt assembles a step prompt. It is pure: the same input always
// yields the same prompt. Empty sections are omitted.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	b.WriteString(ProtocolHeader)

	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		b.WriteString("\n\n## ")
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(body)
	}

	section("Task", in.Template)
	section("Prior context", in.PriorContext)
	if len(in.Todos) > 0 {
		lines := make([]string, 0, len(in.Todos))
		for _, t := range in.Todos {
			if t.Description != "" {
				lines = append(lines, "- "+t.Section+": "+t.Description)
			} else {
				lines = append(lines, "- "+t.Section)
			}
		}
		section("Outstanding todos", strings.Join(lines, "\n"))
	}
	section("Tool results so far", in.Transcript)
	section("Current draft", in.Draft)

	if strings.TrimSpace(in.Transcript) == "" {
		b.WriteString("\n\nNo tool has been called yet. Start by calling a tool.")
	}
	return b.String()
}

var chitChatPrefixes = []string{
	"sure",
	"certainly",
	"of course",
	"here is",
	"here's",
	"below is",
	"i have",
	"i've",
	"okay",
	"ok,",
	"great",
}

// CleanDraft strips conversational preamble and an enclosing code fence
// from a report reply.
func CleanDraft(reply string) string {
	text := strings.TrimSpace(reply)
	text = stripEnclosingFence(text)

	lines := strings.Split(text, "\n")
	start := 0
	for start < len(lines) {
		line := strings.ToLower(strings.TrimSpace(lines[start]))
		if line == "" || isChitChat(line) {
			start++
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[start:], "\n"))
}

func isChitChat(line string) bool {
	if strings.HasPrefix(line, "#") {
		return false
	}
	for _, p := range chitChatPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func stripEnclosingFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		return text
	}
	info := strings.TrimSpace(text[3:nl])
	if info != "" && info != "markdown" && info != "md" {
		return text
	}
	return strings.TrimSpace(text[nl+1 : len(text)-3])
}
