// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command analyst runs resilient, tool-using LLM analyses of a project.
//
// Usage:
//
//	analyst serve                                 # HTTP API on server.addr
//	analyst run --type architecture --context repo@main
//	analyst index 'docs/**/*.md'
//	analyst search "how are retries scheduled?"
//	analyst failures list --status PENDING
//	analyst failures drain
//
// Configuration is read from --config or ANALYST_CONFIG; see
// services/analyst/config for the keys and environment overrides. The LLM
// API key comes from ANALYST_LLM_API_KEY or a secrets file.
package main

import (
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	// Wipe sealed keys on SIGINT/SIGTERM and on every exit path.
	memguard.CatchInterrupt()
	code := execute(os.Args[1:], os.Stdout, os.Stderr)
	memguard.Purge()
	os.Exit(code)
}
