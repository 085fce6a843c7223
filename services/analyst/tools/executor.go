// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools executes the canonical analysis tools against a local
// project directory.
//
// Every path is resolved inside the configured root; reads, searches, and
// command output are capped. run_command only starts allowlisted binaries,
// without a shell.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/analyst/services/analyst/loop"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
	"github.com/AleutianAI/analyst/services/analyst/toolcall"
)

var toolsTracer = otel.Tracer("analyst.tools")

var (
	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_tool_executions_total",
		Help: "Total local tool executions by tool and outcome",
	}, []string{"tool", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analyst_tool_duration_seconds",
		Help:    "Local tool execution duration",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"tool"})

	toolSharedCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analyst_tool_shared_calls_total",
		Help: "Total tool calls answered by an identical in-flight call",
	})
)

var (
	// ErrInvalidConfig is returned by New for a bad Config.
	ErrInvalidConfig = errors.New("invalid tools config")

	// ErrOutsideRoot is returned for paths that escape the root.
	ErrOutsideRoot = errors.New("path escapes the project root")

	// ErrCommandNotAllowed is returned for binaries not on the allowlist.
	ErrCommandNotAllowed = errors.New("command not allowed")

	// ErrMissingParameter is returned when a required parameter is absent.
	ErrMissingParameter = errors.New("missing parameter")
)

// Config configures the executor.
type Config struct {
	// Root is the project directory every path is resolved against.
	Root string `yaml:"root" json:"root" validate:"required"`

	// MaxReadBytes caps read_file output.
	MaxReadBytes int `yaml:"max_read_bytes" json:"max_read_bytes" validate:"gte=0"`

	// MaxListEntries caps list_directory output.
	MaxListEntries int `yaml:"max_list_entries" json:"max_list_entries" validate:"gte=0"`

	// MaxMatches caps search_files and find_files output.
	MaxMatches int `yaml:"max_matches" json:"max_matches" validate:"gte=0"`

	// MaxSearchFileBytes skips larger files in search_files.
	MaxSearchFileBytes int64 `yaml:"max_search_file_bytes" json:"max_search_file_bytes" validate:"gte=0"`

	// AllowedCommands lists binaries run_command may start.
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands"`

	// CommandTimeout bounds one run_command attempt.
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout" validate:"gte=0"`

	// MaxOutputBytes caps run_command output.
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes" validate:"gte=0"`
}

// DefaultConfig returns defaults rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:               root,
		MaxReadBytes:       64 * 1024,
		MaxListEntries:     500,
		MaxMatches:         200,
		MaxSearchFileBytes: 1 << 20,
		AllowedCommands:    []string{"go", "git", "ls", "cat", "head", "wc", "grep", "find"},
		CommandTimeout:     30 * time.Second,
		MaxOutputBytes:     32 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Root)
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = d.MaxReadBytes
	}
	if c.MaxListEntries <= 0 {
		c.MaxListEntries = d.MaxListEntries
	}
	if c.MaxMatches <= 0 {
		c.MaxMatches = d.MaxMatches
	}
	if c.MaxSearchFileBytes <= 0 {
		c.MaxSearchFileBytes = d.MaxSearchFileBytes
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = d.MaxOutputBytes
	}
	return c
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRetry sets the RetryExecutor wrapped around run_command. Only
// timeouts are retried; a command that exits non-zero is not.
func WithRetry(r *resilience.RetryExecutor) Option {
	return func(e *Executor) { e.retry = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

type handler func(ctx context.Context, params map[string]any) (string, error)

// Executor is the local loop.ToolExecutor.
//
// # Description
//
// Dispatches canonical tool names to handlers. Identical calls that are in
// flight at the same time share one execution.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	config   Config
	root     string
	allowed  map[string]bool
	retry    *resilience.RetryExecutor
	logger   *slog.Logger
	group    singleflight.Group
	handlers map[string]handler
}

// New creates an Executor.
//
// Inputs:
//   - cfg: Root must name an existing directory. Zero limits take defaults.
//   - opts: Optional retry executor and logger.
//
// Outputs:
//   - *Executor: Ready to use.
//   - error: ErrInvalidConfig when the root is missing or not a directory.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("%w: root is required", ErrInvalidConfig)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving root: %v", ErrInvalidConfig, err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: root %s is not a directory", ErrInvalidConfig, root)
	}

	cfg = cfg.withDefaults()
	e := &Executor{
		config:  cfg,
		root:    root,
		allowed: make(map[string]bool, len(cfg.AllowedCommands)),
		logger:  slog.Default(),
	}
	for _, c := range cfg.AllowedCommands {
		e.allowed[c] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry == nil {
		r, err := resilience.NewRetryExecutor(resilience.RetryConfig{MaxRetries: 1, BaseDelay: 500 * time.Millisecond},
			resilience.WithRetryLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.retry = r
	}
	e.handlers = map[string]handler{
		toolcall.ToolListDirectory: e.listDirectory,
		toolcall.ToolReadFile:      e.readFile,
		toolcall.ToolSearchFiles:   e.searchFiles,
		toolcall.ToolFindFiles:     e.findFiles,
		toolcall.ToolRunCommand:    e.runCommand,
	}
	return e, nil
}

// Root returns the resolved project root.
func (e *Executor) Root() string {
	return e.root
}

// Execute implements loop.ToolExecutor.
func (e *Executor) Execute(ctx context.Context, name, contextKey string, params map[string]any) loop.ToolResult {
	name = toolcall.Canonicalize(name)
	h, ok := e.handlers[name]
	if !ok {
		toolExecutions.WithLabelValues("unknown", "error").Inc()
		return loop.ToolResult{Error: fmt.Sprintf("unknown tool %q; available tools: %s", name, strings.Join(e.toolNames(), ", "))}
	}

	ctx, span := toolsTracer.Start(ctx, "tools.Execute", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("analysis.context_key", contextKey),
	))
	defer span.End()

	start := time.Now()
	v, err, shared := e.group.Do(flightKey(name, contextKey, params), func() (any, error) {
		return h(ctx, params)
	})
	toolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if shared {
		toolSharedCalls.Inc()
	}

	if err != nil {
		toolExecutions.WithLabelValues(name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		e.logger.Debug("Tool execution failed",
			slog.String("tool", name),
			slog.String("context_key", contextKey),
			slog.String("error", err.Error()),
		)
		return loop.ToolResult{Error: err.Error()}
	}
	toolExecutions.WithLabelValues(name, "ok").Inc()
	return loop.ToolResult{Data: v.(string)}
}

func (e *Executor) toolNames() []string {
	names := make([]string, 0, len(e.handlers))
	for n := range e.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// flightKey identifies a call for singleflight. json.Marshal sorts map keys.
func flightKey(name, contextKey string, params map[string]any) string {
	b, err := json.Marshal(params)
	if err != nil {
		return name + "\x00" + contextKey + "\x00" + fmt.Sprintf("%v", params)
	}
	return name + "\x00" + contextKey + "\x00" + string(b)
}

var _ loop.ToolExecutor = (*Executor)(nil)
