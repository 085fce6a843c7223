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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var errLimitReached = errors.New("limit reached")

// listDirectory lists one directory, directories first, with a trailing
// slash on directory names.
func (e *Executor) listDirectory(_ context.Context, params map[string]any) (string, error) {
	p := stringParam(params, "path", "dir", "directory")
	if p == "" {
		p = "."
	}
	dir, err := e.resolve(p)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", e.rel(dir), err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%s/ (%d entries)\n", e.rel(dir), len(entries))
	for i, entry := range entries {
		if i == e.config.MaxListEntries {
			fmt.Fprintf(&b, "... %d more entries\n", len(entries)-i)
			break
		}
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// readFile returns up to max_bytes of a file.
func (e *Executor) readFile(_ context.Context, params map[string]any) (string, error) {
	p, err := requireString(params, "path", "file", "filename")
	if err != nil {
		return "", err
	}
	abs, err := e.resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory; use list_directory", e.rel(abs))
	}

	limit := intParam(params, "max_bytes", e.config.MaxReadBytes)
	if limit > e.config.MaxReadBytes {
		limit = e.config.MaxReadBytes
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", e.rel(abs), err)
	}
	if isBinary(data) {
		return "", fmt.Errorf("%s looks like a binary file", e.rel(abs))
	}
	out := string(data)
	if info.Size() > int64(limit) {
		out += fmt.Sprintf("\n... [truncated: showing %d of %d bytes]", limit, info.Size())
	}
	return out, nil
}

// searchFiles greps files under path for a regular expression. An optional
// glob restricts which files are searched.
func (e *Executor) searchFiles(ctx context.Context, params map[string]any) (string, error) {
	pattern, err := requireString(params, "pattern", "query", "regex")
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = regexp.MustCompile(regexp.QuoteMeta(pattern))
	}
	glob := stringParam(params, "glob", "include", "file_pattern")
	if glob != "" && !doublestar.ValidatePattern(glob) {
		return "", fmt.Errorf("invalid glob %q", glob)
	}

	p := stringParam(params, "path", "dir")
	if p == "" {
		p = "."
	}
	base, err := e.resolve(p)
	if err != nil {
		return "", err
	}

	var (
		matches []string
		files   int
	)
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != base && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel := e.rel(path)
		if glob != "" && !matchGlob(glob, rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() || info.Size() > e.config.MaxSearchFileBytes {
			return nil
		}
		files++
		return e.grepFile(path, rel, re, &matches)
	})
	if walkErr != nil && !errors.Is(walkErr, errLimitReached) {
		return "", walkErr
	}

	if len(matches) == 0 {
		return fmt.Sprintf("no matches for %q in %d files", pattern, files), nil
	}
	out := strings.Join(matches, "\n")
	if errors.Is(walkErr, errLimitReached) {
		out += fmt.Sprintf("\n... [stopped after %d matches]", e.config.MaxMatches)
	}
	return out, nil
}

func (e *Executor) grepFile(path, rel string, re *regexp.Regexp, matches *[]string) error {
	data, err := os.ReadFile(path)
	if err != nil || isBinary(data) {
		return nil
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !re.MatchString(text) {
			continue
		}
		if len(text) > 240 {
			text = text[:240] + "..."
		}
		*matches = append(*matches, fmt.Sprintf("%s:%d: %s", rel, line, strings.TrimSpace(text)))
		if len(*matches) >= e.config.MaxMatches {
			return errLimitReached
		}
	}
	return nil
}

// findFiles lists files matching a doublestar glob such as "**/*_test.go".
func (e *Executor) findFiles(_ context.Context, params map[string]any) (string, error) {
	pattern, err := requireString(params, "pattern", "glob", "name")
	if err != nil {
		return "", err
	}
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "/")
	if !strings.Contains(pattern, "/") {
		pattern = "**/" + pattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return "", fmt.Errorf("invalid glob %q", pattern)
	}

	p := stringParam(params, "path", "root", "dir")
	if p == "" {
		p = "."
	}
	base, err := e.resolve(p)
	if err != nil {
		return "", err
	}

	var found []string
	err = doublestar.GlobWalk(os.DirFS(base), pattern, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		for _, part := range strings.Split(path, "/") {
			if skipDir(part) {
				return nil
			}
		}
		found = append(found, e.rel(filepath.Join(base, filepath.FromSlash(path))))
		if len(found) >= e.config.MaxMatches {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return "", fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(found) == 0 {
		return fmt.Sprintf("no files match %q", pattern), nil
	}
	sort.Strings(found)
	out := strings.Join(found, "\n")
	if errors.Is(err, errLimitReached) {
		out += fmt.Sprintf("\n... [stopped after %d files]", e.config.MaxMatches)
	}
	return out, nil
}

// matchGlob matches a root-relative path, or its base name for patterns
// without a slash.
func matchGlob(pattern, rel string) bool {
	if ok, _ := doublestar.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, filepath.Base(rel))
		return ok
	}
	return false
}

// isBinary reports NUL bytes in the first 8KiB.
func isBinary(data []byte) bool {
	if len(data) > 8192 {
		data = data[:8192]
	}
	return bytes.IndexByte(data, 0) >= 0
}
