// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events one save produces.
const DefaultDebounce = 200 * time.Millisecond

// WatchFile calls fn after path changes, until ctx is done.
//
// # Description
//
// The parent directory is watched rather than the file, because editors
// and config-map mounts replace files by rename and a watch on the old
// inode would go silent. Events for other names are ignored. Events within
// debounce of each other produce one call.
//
// # Outputs
//
//   - error: Watcher setup errors. Returns nil when ctx is cancelled.
//
// # Thread Safety
//
// fn runs on the watcher goroutine; calls never overlap.
func WatchFile(ctx context.Context, path string, debounce time.Duration, fn func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve watch path: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", slog.String("path", abs), slog.String("error", err.Error()))
		case <-timer.C:
			fn()
		}
	}
}

// Watch reloads the config at path on every change and passes each valid
// result to onChange. Invalid edits are logged and skipped, so the running
// configuration stays in effect.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	return WatchFile(ctx, path, DefaultDebounce, func() {
		cfg, err := Load(ctx, path)
		if err != nil {
			logger.Error("Config reload rejected", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		logger.Info("Config reloaded", slog.String("path", path))
		onChange(cfg)
	})
}
