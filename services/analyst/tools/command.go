// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

// commandError is a finished command that failed. It is never retried.
type commandError struct {
	msg string
}

func (e *commandError) Error() string      { return e.msg }
func (e *commandError) NonRetryable() bool { return true }

// runCommand starts an allowlisted binary in the root directory without a
// shell. Attempts that hit CommandTimeout are retried by the RetryExecutor.
func (e *Executor) runCommand(ctx context.Context, params map[string]any) (string, error) {
	command, err := requireString(params, "command", "cmd")
	if err != nil {
		return "", err
	}
	args := splitCommand(command)
	if len(args) == 0 {
		return "", fmt.Errorf("%w: command", ErrMissingParameter)
	}
	if !e.allowed[args[0]] || strings.ContainsRune(args[0], filepath.Separator) {
		return "", fmt.Errorf("%w: %s (allowed: %s)", ErrCommandNotAllowed, args[0], strings.Join(e.config.AllowedCommands, ", "))
	}

	dir := e.root
	if p := stringParam(params, "cwd", "working_dir"); p != "" {
		if dir, err = e.resolve(p); err != nil {
			return "", err
		}
	}

	return resilience.Retry(ctx, e.retry, "run_command "+args[0], func(ctx context.Context) (string, error) {
		return e.runOnce(ctx, dir, args)
	})
}

func (e *Executor) runOnce(ctx context.Context, dir string, args []string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, e.config.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.String()
	if len(output) > e.config.MaxOutputBytes {
		output = output[:e.config.MaxOutputBytes] + fmt.Sprintf("\n... [truncated %d bytes]", out.Len()-e.config.MaxOutputBytes)
	}

	if runErr == nil {
		if strings.TrimSpace(output) == "" {
			return "(exit 0, no output)", nil
		}
		return output, nil
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", fmt.Errorf("%s timed out after %s: %w", args[0], e.config.CommandTimeout, context.DeadlineExceeded)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return "", &commandError{msg: fmt.Sprintf("%s exited with code %d:\n%s", args[0], exitErr.ExitCode(), strings.TrimSpace(output))}
	}
	return "", &commandError{msg: fmt.Sprintf("%s: %v", args[0], runErr)}
}

// splitCommand tokenizes a command line with single and double quotes,
// without shell expansion.
func splitCommand(cmd string) []string {
	var tokens []string
	var current strings.Builder
	inSingle, inDouble, quoted := false, false, false

	flush := func() {
		if current.Len() > 0 || quoted {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		quoted = false
	}
	for _, r := range cmd {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}
