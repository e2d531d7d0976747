// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli is the interactive console shell: a line-oriented REPL
// over the orchestrator with input history, slash commands for session
// and provider management, and incremental rendering of streamed
// responses.
package cli
