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
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/analyst/services/analyst/config"
	"github.com/AleutianAI/analyst/services/analyst/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the retry worker, and config hot reload",
		Long: `Starts the analyst HTTP API on server.addr:

  POST   /v1/analyst/run              Run an analysis loop
  POST   /v1/analyst/index            Index documents
  POST   /v1/analyst/search           Semantic search
  GET    /v1/analyst/breakers         Circuit breaker states
  GET    /v1/analyst/failures         Failure queue
  GET    /v1/analyst/health           Health check
  GET    /metrics                     Prometheus metrics

The retry worker drains the failure queue in the background. When --config
names a file, edits to it are validated and the validator rules reloaded
without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable gin debug mode")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	logger := c.logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, c.cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Serve(gctx) })
	if c.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, c.configPath, logger, func(next *config.Config) {
				svc.ApplyConfig(gctx, next)
			})
		})
	}
	err = g.Wait()
	logger.Info("Analyst stopped")
	return err
}
