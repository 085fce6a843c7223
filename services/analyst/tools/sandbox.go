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
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolve maps a tool-supplied path to an absolute path inside the root.
// Absolute paths are treated as root-relative. Symlinks that lead outside
// the root are rejected.
func (e *Executor) resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	clean := filepath.Clean("/" + filepath.ToSlash(strings.TrimSpace(p)))
	abs := filepath.Join(e.root, filepath.FromSlash(clean))

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: no such file or directory", e.rel(abs))
		}
		return "", err
	}
	if !e.inside(resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return resolved, nil
}

func (e *Executor) inside(abs string) bool {
	if abs == e.root {
		return true
	}
	return strings.HasPrefix(abs, e.root+string(filepath.Separator))
}

// rel returns abs relative to the root with forward slashes.
func (e *Executor) rel(abs string) string {
	r, err := filepath.Rel(e.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

// skipDir reports directories never descended into by searches.
func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".venv", "__pycache__", ".idea":
		return true
	}
	return false
}
