// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/analyst/pkg/logging"
	"github.com/AleutianAI/analyst/pkg/ux"
	"github.com/AleutianAI/analyst/services/analyst"
	"github.com/AleutianAI/analyst/services/analyst/config"
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// cli holds the global flags and what PersistentPreRunE derives from them.
type cli struct {
	configPath string
	logLevel   string
	logDir     string
	jsonLogs   bool
	output     string

	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	logger  *logging.Logger
	printer *ux.Printer
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	if c.logger != nil {
		_ = c.logger.Close()
	}
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "analyst",
		Short: "Resilient tool-using LLM analysis of a project",
		Long: `analyst drives an LLM through a bounded loop of tool calls over a project
directory and validates the resulting markdown report against per-type
section rules. Calls to the model, the embedder, and the reranker run
behind circuit breakers and retries; work that still fails is queued in a
durable failure store and retried in the background.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(config.EnvConfigPath),
		"Config file (default: built-in defaults; env "+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&c.logDir, "log-dir", "",
		"Also write JSON logs to a dated file in this directory")
	root.PersistentFlags().BoolVar(&c.jsonLogs, "json-logs", false,
		"Write stderr logs as JSON")
	root.PersistentFlags().StringVar(&c.output, "output", "",
		"Output style: styled or machine (default: detect terminal; env "+ux.EnvOutputMode+")")

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newIndexCmd(c),
		newSearchCmd(c),
		newFailuresCmd(c),
	)
	return root
}

// setup loads the configuration and builds the logger and printer.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cmd.Context(), c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.logger, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  c.logDir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    c.jsonLogs,
		Stderr:  c.stderr,
	})
	if err != nil {
		return err
	}

	mode := ux.ParseMode(c.output)
	if c.output == "" {
		mode = ux.ModeMachine
		if f, ok := c.stdout.(*os.File); ok {
			mode = ux.DetectMode(f)
		}
	}
	c.printer = ux.NewPrinter(c.stdout, mode)
	return nil
}

// service builds the analyst service. Callers must Close it.
func (c *cli) service(ctx context.Context) (*analyst.Service, error) {
	return analyst.Build(ctx, *c.cfg, c.logger.Slog())
}
