// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package acp implements the Agent Client Protocol backend: a local
// agent process driven over JSON-RPC on stdio.
//
// The Client owns the subprocess and the request/response plumbing; the
// Adapter translates between the provider contract and the protocol's
// session/update notification stream. Inbound payloads use
// inconsistent field naming across agent implementations (toolCallId
// vs tool_call_id, sessionUpdate vs type), so all parsing goes through
// the normalization boundary in normalize.go and downstream code only
// sees typed updates.
package acp
