// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package acp implements the Agent Client Protocol backend.
package acp

// Outgoing request parameter shapes. Inbound payloads are parsed
// through normalize.go instead of typed structs because agent
// implementations disagree on field naming.

// initializeParams starts capability negotiation.
type initializeParams struct {
	ProtocolVersion    string             `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
	ClientInfo         clientInfo         `json:"clientInfo"`
}

type clientCapabilities struct {
	Prompt promptCapabilities `json:"prompt"`
}

type promptCapabilities struct {
	EmbeddedContext bool `json:"embeddedContext"`
	Image           bool `json:"image"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type authenticateParams struct {
	MethodID string `json:"methodId"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type loadSessionParams struct {
	SessionID  string `json:"sessionId"`
	McpServers []any  `json:"mcpServers"`
}

type deleteSessionParams struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
	Context   []contextItem  `json:"context,omitempty"`
}

// contentBlock is a prompt content entry: text or image.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type contextItem struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}
