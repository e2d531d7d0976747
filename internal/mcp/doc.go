// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mcp bridges tool invocations to a Model Context Protocol
// server subprocess (the octovalve proxy in production).
//
// The Invoker owns the server lifecycle: it is started lazily on the
// first call, restarted when the configured command changes or the
// transport dies, and consulted through tools/call with JSON-object
// arguments. The first text-bearing content entry of a result becomes
// the tool-result text.
package mcp
