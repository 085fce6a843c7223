// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvOutputMode overrides the detected output mode.
const EnvOutputMode = "ANALYST_OUTPUT"

// Mode controls how richly CLI output is rendered.
type Mode string

const (
	// ModeStyled enables colors, icons, and boxes.
	ModeStyled Mode = "styled"

	// ModeMachine outputs plain text suitable for scripting and parsing.
	ModeMachine Mode = "machine"
)

// ParseMode converts a string to a Mode. Unknown values mean ModeStyled.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "machine", "plain", "quiet", "q":
		return ModeMachine
	default:
		return ModeStyled
	}
}

// DetectMode picks the mode for f: the EnvOutputMode override first,
// otherwise ModeStyled on a terminal and ModeMachine when piped.
func DetectMode(f *os.File) Mode {
	if v := os.Getenv(EnvOutputMode); v != "" {
		return ParseMode(v)
	}
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeStyled
	}
	return ModeMachine
}
