// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyst/services/analyst/loop"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(cfg Config) (*Guard, *testClock) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clock.Now)), clock
}

func TestGuard_RunCooldown(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(Config{Cooldown: 10 * time.Minute})

	assert.False(t, g.ShouldSkipRun(ctx, "repo@1").Skip)

	g.RecordSuccess("repo@1")
	clock.Advance(5 * time.Minute)
	d := g.ShouldSkipRun(ctx, "repo@1")
	assert.True(t, d.Skip)
	assert.Contains(t, d.Reason, "5m0s ago")
	assert.False(t, g.ShouldSkipRun(ctx, "repo@2").Skip)

	clock.Advance(5 * time.Minute)
	assert.False(t, g.ShouldSkipRun(ctx, "repo@1").Skip, "cooldown boundary releases the key")
}

func TestGuard_NilOptionsKeepDefaults(t *testing.T) {
	g := New(Config{Cooldown: time.Minute}, WithClock(nil), WithLogger(nil))

	require.NotPanics(t, func() {
		g.RecordSuccess("repo@1")
		d := g.ShouldSkipRun(context.Background(), "repo@1")
		assert.True(t, d.Skip)
	})
}

func TestGuard_ZeroCooldownNeverSkips(t *testing.T) {
	g, _ := newTestGuard(Config{})
	g.RecordSuccess("k")
	assert.False(t, g.ShouldSkipRun(context.Background(), "k").Skip)
}

func TestRunGuard_CachesSuccessfulResults(t *testing.T) {
	g, clock := newTestGuard(Config{CacheTTL: time.Minute})
	run := g.ForRun("repo@1")
	params := map[string]any{"path": "go.mod", "max_bytes": "100"}

	assert.False(t, run.ShouldSkipToolCall("read_file", params).Skip)
	run.RecordToolCall("read_file", params, loop.ToolResult{Data: "module x"})

	// Same parameters in another order hit the cache.
	d := run.ShouldSkipToolCall("read_file", map[string]any{"max_bytes": "100", "path": "go.mod"})
	require.True(t, d.Skip)
	require.NotNil(t, d.Cached)
	assert.Equal(t, "module x", d.Cached.Data)

	// A later run on the same key shares the cache; another key does not.
	assert.NotNil(t, g.ForRun("repo@1").ShouldSkipToolCall("read_file", params).Cached)
	assert.False(t, g.ForRun("repo@2").ShouldSkipToolCall("read_file", params).Skip)

	clock.Advance(time.Minute)
	assert.False(t, run.ShouldSkipToolCall("read_file", params).Skip, "expired entries are not served")
}

func TestRunGuard_BlocksRepeatedFailures(t *testing.T) {
	g, _ := newTestGuard(Config{MaxRepeats: 2})
	run := g.ForRun("repo@1")
	params := map[string]any{"command": "make"}

	for i := 0; i < 2; i++ {
		require.False(t, run.ShouldSkipToolCall("run_command", params).Skip, "execution %d", i)
		run.RecordToolCall("run_command", params, loop.ToolResult{Error: "exit 2"})
	}

	d := run.ShouldSkipToolCall("run_command", params)
	assert.True(t, d.Skip)
	assert.Nil(t, d.Cached)
	assert.Contains(t, d.Reason, "already ran 2 times")

	assert.False(t, run.ShouldSkipToolCall("run_command", map[string]any{"command": "make test"}).Skip)
	assert.False(t, g.ForRun("repo@1").ShouldSkipToolCall("run_command", params).Skip, "counters are per run")
}

func TestRunGuard_PerToolLimit(t *testing.T) {
	g, _ := newTestGuard(Config{MaxCallsPerTool: 2})
	run := g.ForRun("k")

	run.RecordToolCall("search_files", map[string]any{"pattern": "a"}, loop.ToolResult{Error: "x"})
	run.RecordToolCall("search_files", map[string]any{"pattern": "b"}, loop.ToolResult{Error: "x"})

	d := run.ShouldSkipToolCall("search_files", map[string]any{"pattern": "c"})
	assert.True(t, d.Skip)
	assert.Contains(t, d.Reason, "limit of 2 calls")
	assert.False(t, run.ShouldSkipToolCall("read_file", map[string]any{"path": "a"}).Skip)
}

func TestGuard_BoundedEntries(t *testing.T) {
	g, clock := newTestGuard(Config{MaxEntries: 2, Cooldown: time.Hour})

	for _, k := range []string{"a", "b", "c"} {
		g.RecordSuccess(k)
		clock.Advance(time.Second)
	}
	successes, _ := g.Stats()
	assert.Equal(t, 2, successes)
	assert.False(t, g.ShouldSkipRun(context.Background(), "a").Skip, "oldest key evicted")
	assert.True(t, g.ShouldSkipRun(context.Background(), "c").Skip)

	run := g.ForRun("k")
	for _, p := range []string{"1", "2", "3"} {
		run.RecordToolCall("read_file", map[string]any{"path": p}, loop.ToolResult{Data: p})
		clock.Advance(time.Second)
	}
	_, cached := g.Stats()
	assert.Equal(t, 2, cached)
}

func TestGuard_Forget(t *testing.T) {
	g, _ := newTestGuard(Config{Cooldown: time.Hour})
	g.RecordSuccess("k")
	g.ForRun("k").RecordToolCall("read_file", nil, loop.ToolResult{Data: "x"})

	g.Forget("k")
	successes, cached := g.Stats()
	assert.Zero(t, successes)
	assert.Zero(t, cached)
}

func TestGuard_UnscopedCalls(t *testing.T) {
	g, _ := newTestGuard(Config{})
	g.RecordToolCall("list_directory", map[string]any{"path": "."}, loop.ToolResult{Data: "a\nb"})
	d := g.ShouldSkipToolCall("list_directory", map[string]any{"path": "."})
	require.NotNil(t, d.Cached)
	assert.Equal(t, "a\nb", d.Cached.Data)
}

func TestGuard_WithExecutor(t *testing.T) {
	g, _ := newTestGuard(Config{Cooldown: time.Hour})

	llm := &replayLLM{replies: []string{
		`<invoke name="read_file"><parameter name="path">go.mod</parameter></invoke>`,
		`<invoke name="read_file"><parameter name="path">go.mod</parameter></invoke>`,
		"## Summary\ndone",
	}}
	tools := &countingTools{}
	exec, err := loop.NewExecutor(loop.Dependencies{
		LLM:       llm,
		Tools:     tools,
		Validator: summaryValidator{},
		Guard:     g,
	}, loop.Config{MaxSteps: 5})
	require.NoError(t, err)

	req := loop.Request{AnalysisType: "architecture", ContextKey: "repo@1"}
	result, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusComplete, result.Status)
	assert.Equal(t, 1, tools.calls, "the repeated call is served from cache")
	assert.Contains(t, result.ToolCallTranscript, "[cached]")

	again, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusSkipped, again.Status)
}

type replayLLM struct {
	mu      sync.Mutex
	replies []string
	n       int
}

func (l *replayLLM) Complete(context.Context, string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n >= len(l.replies) {
		return ""
	}
	r := l.replies[l.n]
	l.n++
	return r
}

type countingTools struct {
	calls int
}

func (c *countingTools) Execute(context.Context, string, string, map[string]any) loop.ToolResult {
	c.calls++
	return loop.ToolResult{Data: "module example.com/x"}
}

type summaryValidator struct{}

func (summaryValidator) Validate(_ context.Context, draft, _ string) loop.Validation {
	if strings.HasPrefix(draft, "##") {
		return loop.Validation{IsValid: true, Completeness: 1, MissingSections: []string{}}
	}
	return loop.Validation{MissingSections: []string{"Summary"}}
}

func (summaryValidator) GenerateTodos([]string, string) []loop.Todo { return nil }
