// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat defines the session, message, and tool-call model shared
// by every provider, plus the timeline accumulation rules for streamed
// output.
//
// The types here are provider-agnostic: both the ACP adapter and the
// OpenAI-compatible adapter normalize their wire events into mutations
// of these structures. Streaming invariants:
//
//   - While a message is streaming, content and reasoning only grow.
//   - Tool-call status transitions are monotonic; terminal states are
//     final apart from the explicit close-for-reason annotation.
//   - Block lists are replaced wholesale (never mutated in place) so a
//     reactive consumer can diff by identity.
package chat
