// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyst

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyst/services/analyst/config"
	"github.com/AleutianAI/analyst/services/analyst/failures"
	"github.com/AleutianAI/analyst/services/analyst/llm"
	"github.com/AleutianAI/analyst/services/analyst/loop"
)

const perfRules = `min_length: 10
types:
  default:
    sections:
      - name: Summary
  performance:
    template: Find the hot paths.
    sections:
      - name: Hotspots
`

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Failures.Store = "postgres"

	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBuild_RequiredAPIKeyMissing(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.LLM.RequireAPIKey = true

	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, llm.ErrNoAPIKey)
}

func TestBuild_SQLiteStore(t *testing.T) {
	srv := httptest.NewServer(&fakeModel{})
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.Failures.Store = config.StoreSQLite
	cfg.Failures.SQLitePath = filepath.Join(t.TempDir(), "state", "failures.db")

	svc, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	_, err = svc.failures.AddFailure(ctx, "embedding", llm.OperationEmbedPiece, "x#0", []byte(`{"id":"x#0"}`), nil)
	require.NoError(t, err)
	records, err := svc.ListFailures(ctx, failures.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.FileExists(t, cfg.Failures.SQLitePath)
}

func TestBuild_LoadsRulesFile(t *testing.T) {
	srv := httptest.NewServer(&fakeModel{})
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.Validator.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(cfg.Validator.RulesFile, []byte(perfRules), 0o644))

	svc, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer svc.Close()
	assert.Equal(t, []string{"performance"}, svc.Health().Types)

	cfg.Validator.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestService_ApplyConfigSwapsRules(t *testing.T) {
	svc := newTestService(t, &fakeModel{})
	require.Contains(t, svc.Health().Types, "architecture")

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(perfRules), 0o644))

	next := svc.config
	next.Validator.RulesFile = path
	svc.ApplyConfig(context.Background(), &next)
	assert.Equal(t, []string{"performance"}, svc.Health().Types)

	next.Validator.RulesFile = ""
	svc.ApplyConfig(context.Background(), &next)
	assert.Contains(t, svc.Health().Types, "architecture")
}

func TestService_CleanupRejectsNonTerminalStatus(t *testing.T) {
	svc := newTestService(t, &fakeModel{})

	_, err := svc.CleanupFailures(context.Background(), failures.StatusPending, 0)
	assert.ErrorIs(t, err, failures.ErrInvalidRecord)
}

func TestService_RunBackgroundWatchesRules(t *testing.T) {
	srv := httptest.NewServer(&fakeModel{})
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.Validator.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
	cfg.Validator.Watch = true
	require.NoError(t, os.WriteFile(cfg.Validator.RulesFile, []byte(perfRules), 0o644))

	svc, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunBackground(ctx) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	updated := perfRules + "  security:\n    sections:\n      - name: Findings\n"
	require.NoError(t, os.WriteFile(cfg.Validator.RulesFile, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		return len(svc.Health().Types) == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("background workers did not stop")
	}
}

func TestService_RunHonorsTimeout(t *testing.T) {
	svc := newTestService(t, &fakeModel{replies: []string{readGoMod}})
	svc.config.Server.RunTimeout = time.Nanosecond

	_, err := svc.Run(context.Background(), loop.Request{AnalysisType: "general", ContextKey: "demo@slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
