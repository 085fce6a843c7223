// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// sectionTitles returns the normalized titles a draft declares: ATX and
// setext headings, plus paragraphs that open with a bold lead-in such as
// "**Risks**".
func sectionTitles(draft string) []string {
	src := []byte(draft)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var titles []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if t := normalize(inlineText(node, src)); t != "" {
				titles = append(titles, t)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			if lead, ok := node.FirstChild().(*ast.Emphasis); ok && lead.Level == 2 {
				if t := normalize(inlineText(lead, src)); t != "" {
					titles = append(titles, t)
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return titles
}

// inlineText concatenates the text segments under n.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	var collect func(ast.Node)
	collect = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch t := c.(type) {
			case *ast.Text:
				b.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					b.WriteByte(' ')
				}
			case *ast.String:
				b.Write(t.Value)
			default:
				collect(c)
			}
		}
	}
	collect(n)
	return b.String()
}

// normalize lowercases s and reduces it to space-separated words, dropping
// punctuation and leading numbering.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for len(fields) > 0 && strings.IndexFunc(fields[0], unicode.IsLetter) < 0 {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// covers reports whether any title contains the section name or an alias
// as whole words.
func covers(titles []string, section SectionRule) bool {
	names := make([]string, 0, 1+len(section.Aliases))
	names = append(names, normalize(section.Name))
	for _, a := range section.Aliases {
		names = append(names, normalize(a))
	}
	for _, title := range titles {
		padded := " " + title + " "
		for _, name := range names {
			if name != "" && strings.Contains(padded, " "+name+" ") {
				return true
			}
		}
	}
	return false
}
