// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard provides the doom-loop guard for the analysis loop.
//
// A Guard remembers which context keys were analyzed successfully and what
// identical tool calls returned. Runs inside a cooldown are skipped, identical
// calls are answered from cache, and calls that keep repeating without a
// usable result are blocked.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/analyst/services/analyst/loop"
)

var guardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "analyst_guard_decisions_total",
	Help: "Total doom-loop guard decisions that prevented work",
}, []string{"decision"})

// Config tunes the guard.
type Config struct {
	// Cooldown skips a run whose context key succeeded this recently.
	// Zero disables run skipping.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// CacheTTL is how long a successful tool result is served from cache.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"`

	// MaxRepeats blocks a call once it has executed this many times in a
	// run with the same parameters and no cacheable result.
	MaxRepeats int `yaml:"max_repeats" json:"max_repeats" validate:"gte=0"`

	// MaxCallsPerTool blocks a tool after this many executions in a run.
	// Zero means unlimited.
	MaxCallsPerTool int `yaml:"max_calls_per_tool" json:"max_calls_per_tool" validate:"gte=0"`

	// MaxEntries bounds both the success memory and the result cache.
	MaxEntries int `yaml:"max_entries" json:"max_entries" validate:"gte=0"`
}

// DefaultConfig returns the default guard settings.
func DefaultConfig() Config {
	return Config{
		Cooldown:        15 * time.Minute,
		CacheTTL:        10 * time.Minute,
		MaxRepeats:      2,
		MaxCallsPerTool: 8,
		MaxEntries:      1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.MaxRepeats <= 0 {
		c.MaxRepeats = d.MaxRepeats
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	return c
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

type cacheEntry struct {
	result loop.ToolResult
	stored time.Time
}

// Guard is the default loop.DuplicateGuard.
//
// # Description
//
// Run-level memory (successful context keys) and the tool result cache are
// shared by every run. Repeat counters live in the per-run scope returned by
// ForRun, so one run's retries never block another run. Cached results are
// keyed by context key, tool name, and a structural hash of the parameters.
//
// # Thread Safety
//
// Safe for concurrent use.
type Guard struct {
	config Config
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	successes map[string]time.Time
	cache     map[cacheKey]cacheEntry
}

type cacheKey struct {
	contextKey string
	call       uint64
}

// New creates a Guard. Zero config fields take defaults; a zero Cooldown
// disables run skipping.
func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{
		config:    cfg.withDefaults(),
		now:       time.Now,
		logger:    slog.Default(),
		successes: make(map[string]time.Time),
		cache:     make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldSkipRun skips a context key that succeeded within the cooldown.
func (g *Guard) ShouldSkipRun(_ context.Context, contextKey string) loop.RunDecision {
	if g.config.Cooldown <= 0 {
		return loop.RunDecision{}
	}
	g.mu.Lock()
	at, ok := g.successes[contextKey]
	g.mu.Unlock()
	if !ok {
		return loop.RunDecision{}
	}
	age := g.now().Sub(at)
	if age >= g.config.Cooldown {
		return loop.RunDecision{}
	}

	guardDecisions.WithLabelValues("run_skipped").Inc()
	return loop.RunDecision{
		Skip:   true,
		Reason: fmt.Sprintf("context %q analyzed successfully %s ago", contextKey, age.Round(time.Second)),
	}
}

// RecordSuccess starts the cooldown for contextKey.
func (g *Guard) RecordSuccess(contextKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.successes[contextKey] = g.now()
	if len(g.successes) > g.config.MaxEntries {
		evictOldest(g.successes, func(t time.Time) time.Time { return t })
	}
}

// ForRun returns the call-level guard for one run.
func (g *Guard) ForRun(contextKey string) loop.DuplicateGuard {
	return &RunGuard{
		parent:     g,
		contextKey: contextKey,
		repeats:    make(map[uint64]int),
		perTool:    make(map[string]int),
	}
}

// ShouldSkipToolCall decides for calls made outside any run scope.
func (g *Guard) ShouldSkipToolCall(name string, params map[string]any) loop.CallDecision {
	if h, ok := callHash(name, params); ok {
		if res, ok := g.cached("", h); ok {
			guardDecisions.WithLabelValues("cached").Inc()
			return loop.CallDecision{Skip: true, Cached: &res, Reason: "cached result"}
		}
	}
	return loop.CallDecision{}
}

// RecordToolCall caches results of calls made outside any run scope.
func (g *Guard) RecordToolCall(name string, params map[string]any, result loop.ToolResult) {
	if h, ok := callHash(name, params); ok {
		g.store("", h, result)
	}
}

// Forget drops all memory for contextKey.
func (g *Guard) Forget(contextKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.successes, contextKey)
	for k := range g.cache {
		if k.contextKey == contextKey {
			delete(g.cache, k)
		}
	}
}

// Stats reports memory sizes.
func (g *Guard) Stats() (successes, cached int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.successes), len(g.cache)
}

func (g *Guard) cached(contextKey string, h uint64) (loop.ToolResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := cacheKey{contextKey: contextKey, call: h}
	e, ok := g.cache[k]
	if !ok {
		return loop.ToolResult{}, false
	}
	if g.now().Sub(e.stored) >= g.config.CacheTTL {
		delete(g.cache, k)
		return loop.ToolResult{}, false
	}
	return e.result, true
}

// store caches a successful result. Failed results are never cached.
func (g *Guard) store(contextKey string, h uint64, result loop.ToolResult) {
	if result.Failed() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[cacheKey{contextKey: contextKey, call: h}] = cacheEntry{result: result, stored: g.now()}
	if len(g.cache) > g.config.MaxEntries {
		evictOldest(g.cache, func(e cacheEntry) time.Time { return e.stored })
	}
}

// RunGuard is the per-run scope of a Guard. Not safe for concurrent use;
// the loop executes a run's tool calls sequentially.
type RunGuard struct {
	parent     *Guard
	contextKey string
	repeats    map[uint64]int
	perTool    map[string]int
}

// ShouldSkipRun delegates to the parent guard.
func (r *RunGuard) ShouldSkipRun(ctx context.Context, contextKey string) loop.RunDecision {
	return r.parent.ShouldSkipRun(ctx, contextKey)
}

// RecordSuccess delegates to the parent guard.
func (r *RunGuard) RecordSuccess(contextKey string) {
	r.parent.RecordSuccess(contextKey)
}

// ShouldSkipToolCall serves cached results first, then blocks calls that
// exceeded the repeat or per-tool limits in this run.
func (r *RunGuard) ShouldSkipToolCall(name string, params map[string]any) loop.CallDecision {
	h, ok := callHash(name, params)
	if !ok {
		return loop.CallDecision{}
	}
	if res, ok := r.parent.cached(r.contextKey, h); ok {
		guardDecisions.WithLabelValues("cached").Inc()
		return loop.CallDecision{Skip: true, Cached: &res, Reason: "cached result"}
	}

	cfg := r.parent.config
	if n := r.repeats[h]; n >= cfg.MaxRepeats {
		guardDecisions.WithLabelValues("repeat_blocked").Inc()
		r.parent.logger.Warn("Doom-loop guard blocked repeated tool call",
			slog.String("context_key", r.contextKey),
			slog.String("tool", name),
			slog.Int("executions", n),
		)
		return loop.CallDecision{
			Skip:   true,
			Reason: fmt.Sprintf("%s already ran %d times with these parameters without a usable result", name, n),
		}
	}
	if cfg.MaxCallsPerTool > 0 && r.perTool[name] >= cfg.MaxCallsPerTool {
		guardDecisions.WithLabelValues("tool_blocked").Inc()
		return loop.CallDecision{
			Skip:   true,
			Reason: fmt.Sprintf("%s reached its limit of %d calls in this run", name, cfg.MaxCallsPerTool),
		}
	}
	return loop.CallDecision{}
}

// RecordToolCall counts the execution and caches a successful result.
func (r *RunGuard) RecordToolCall(name string, params map[string]any, result loop.ToolResult) {
	r.perTool[name]++
	h, ok := callHash(name, params)
	if !ok {
		return
	}
	r.repeats[h]++
	r.parent.store(r.contextKey, h, result)
}

// callHash identifies a call by name and parameter structure. Map key
// order does not matter.
func callHash(name string, params map[string]any) (uint64, bool) {
	h, err := hashstructure.Hash(struct {
		Name   string
		Params map[string]any
	}{Name: name, Params: params}, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, false
	}
	return h, true
}

// evictOldest removes the entry with the oldest timestamp.
func evictOldest[K comparable, V any](m map[K]V, at func(V) time.Time) {
	var (
		oldestKey K
		oldest    time.Time
		found     bool
	)
	for k, v := range m {
		if t := at(v); !found || t.Before(oldest) {
			oldestKey, oldest, found = k, t, true
		}
	}
	if found {
		delete(m, oldestKey)
	}
}

var (
	_ loop.RunScopedGuard = (*Guard)(nil)
	_ loop.DuplicateGuard = (*RunGuard)(nil)
)
