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
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRulesYAML = `
min_length: 40
threshold: 0.75
types:
  review:
    template: Review the code.
    sections:
      - name: Summary
        aliases: [Overview]
        description: Say what it does.
      - name: Data Flow
      - name: Risks
      - name: Recommendations
`

func testValidator(t *testing.T) *Validator {
	t.Helper()
	rules, err := ParseRules(context.Background(), []byte(testRulesYAML))
	require.NoError(t, err)
	return New(rules, nil)
}

func TestValidator_Completeness(t *testing.T) {
	v := testValidator(t)
	ctx := context.Background()

	draft := "# Overview\nA CLI.\n\n## 2. Data flow\nflags -> run\n\n**Risks:** none that matter.\n"
	got := v.Validate(ctx, draft, "review")
	assert.InDelta(t, 0.75, got.Completeness, 1e-9)
	assert.True(t, got.IsValid, "threshold 0.75 is met")
	assert.Equal(t, []string{"Recommendations"}, got.MissingSections)

	got = v.Validate(ctx, "## Summary\nshort", "review")
	assert.False(t, got.IsValid)
	assert.InDelta(t, 0.25, got.Completeness, 1e-9)
	assert.Equal(t, []string{"Data Flow", "Risks", "Recommendations"}, got.MissingSections)
}

func TestValidator_MinLength(t *testing.T) {
	v := testValidator(t)
	got := v.Validate(context.Background(), "# Summary\n# Data Flow\n# Risks", "review")
	assert.InDelta(t, 0.75, got.Completeness, 1e-9)
	assert.False(t, got.IsValid, "draft shorter than min_length")
}

func TestValidator_MentionsInBodyDoNotCount(t *testing.T) {
	v := testValidator(t)
	got := v.Validate(context.Background(), "## Summary\nThe risks and recommendations and data flow are fine.", "review")
	assert.Equal(t, []string{"Data Flow", "Risks", "Recommendations"}, got.MissingSections)
}

func TestValidator_WholeWordMatching(t *testing.T) {
	v := testValidator(t)
	got := v.Validate(context.Background(), "## Summaryish\n## Riskscore\nlong enough body text here", "review")
	assert.Contains(t, got.MissingSections, "Summary")
	assert.Contains(t, got.MissingSections, "Risks")
}

func TestValidator_UnknownTypeWithoutDefault(t *testing.T) {
	v := testValidator(t)
	got := v.Validate(context.Background(), "anything at all that is certainly long enough to pass", "other")
	assert.True(t, got.IsValid)
	assert.Equal(t, 1.0, got.Completeness)
	assert.NotNil(t, got.MissingSections)

	_, ok := v.Template("other")
	assert.False(t, ok)
}

func TestValidator_DefaultRules(t *testing.T) {
	v := New(nil, nil)
	assert.Equal(t, []string{"architecture", "dependencies", "security"}, v.Types())

	tmpl, ok := v.Template("architecture")
	require.True(t, ok)
	assert.Contains(t, tmpl, "Data Flow")

	// Unlisted types fall back to the default entry.
	tmpl, ok = v.Template("performance")
	require.True(t, ok)
	assert.Contains(t, tmpl, "Recommendations")

	got := v.Validate(context.Background(), "## Summary\nx", "performance")
	assert.Equal(t, []string{"Findings", "Recommendations"}, got.MissingSections)
}

func TestValidator_GenerateTodos(t *testing.T) {
	v := testValidator(t)
	todos := v.GenerateTodos([]string{"Summary", "Risks", "Unlisted"}, "review")
	require.Len(t, todos, 3)
	assert.Equal(t, "Summary", todos[0].Section)
	assert.Equal(t, "Say what it does.", todos[0].Description)
	assert.Contains(t, todos[1].Description, "Risks section")
	assert.Contains(t, todos[2].Description, "Unlisted section")

	assert.Empty(t, v.GenerateTodos(nil, "review"))
}

func TestParseRules_Rejects(t *testing.T) {
	tests := map[string]string{
		"no types":          "min_length: 1\n",
		"unknown field":     "types:\n  a:\n    sections: [{name: X}]\n    extra: 1\n",
		"empty sections":    "types:\n  a:\n    sections: []\n",
		"blank name":        "types:\n  a:\n    sections: [{name: \"\"}]\n",
		"duplicate section": "types:\n  a:\n    sections: [{name: Risks}, {name: risks}]\n",
		"bad threshold":     "threshold: 2\ntypes:\n  a:\n    sections: [{name: X}]\n",
		"not yaml":          "types: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules(context.Background(), []byte(data))
			assert.ErrorIs(t, err, ErrInvalidRules)
		})
	}
}

func TestValidator_ReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRulesYAML), 0o600))

	v := New(nil, nil)
	require.NoError(t, v.Reload(context.Background(), path))
	assert.Equal(t, []string{"review"}, v.Types())

	require.NoError(t, os.WriteFile(path, []byte("types: ["), 0o600))
	assert.Error(t, v.Reload(context.Background(), path))
	assert.Equal(t, []string{"review"}, v.Types(), "failed reload keeps the active rules")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				v.SetRules(DefaultRules())
				return
			}
			_ = v.Validate(context.Background(), "## Summary", "review")
		}(i)
	}
	wg.Wait()
}

func TestLoadRulesFile_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("#", MaxRulesFileSize+1)), 0o600))
	_, err := LoadRulesFile(context.Background(), path)
	assert.ErrorContains(t, err, "too large")
}

func TestSectionTitles(t *testing.T) {
	draft := "Intro\n\nSetext Title\n============\n\n### `Risks` & *Concerns*\n\n**Next steps**: do it\n\nplain **bold** later\n"
	assert.Equal(t, []string{"setext title", "risks concerns", "next steps"}, sectionTitles(draft))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "data flow", normalize("2. Data-Flow:"))
	assert.Equal(t, "", normalize("1."))
	assert.Equal(t, "top 10 risks", normalize("Top 10 Risks"))
}
