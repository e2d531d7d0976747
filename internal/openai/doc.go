// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openai implements the OpenAI-compatible chat-completions
// backend.
//
// Unlike the ACP backend, the completions API is stateless: the client
// keeps the full linear message context (system prompt, user turns,
// assistant turns, tool results) and replays it on every request. Tool
// calls arrive as indexed argument fragments inside the SSE stream and
// are assembled before execution; after a tool batch settles, the
// adapter automatically issues a follow-up turn with the results.
package openai
