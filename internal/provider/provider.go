// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the contract between the orchestrator and
// the chat backends.
package provider

import (
	"context"
	"errors"

	"github.com/octovalve/console-core/internal/chat"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotInitialized indicates an operation before Initialize
	// succeeded.
	ErrNotInitialized = errors.New("provider not initialized")

	// ErrStreamInFlight indicates a send while a response is already
	// streaming. The orchestrator gates sends, so hitting this means a
	// caller bypassed the gate.
	ErrStreamInFlight = errors.New("a response is already streaming")

	// ErrNoSession indicates a session-scoped operation without an
	// active session.
	ErrNoSession = errors.New("no active session")
)

// InitError wraps a backend startup or capability-negotiation failure.
// The orchestrator surfaces it without flipping the active provider.
type InitError struct {
	Provider chat.Provider
	Err      error
}

func (e *InitError) Error() string {
	return string(e.Provider) + " initialize failed: " + e.Err.Error()
}

func (e *InitError) Unwrap() error { return e.Err }

// =============================================================================
// CAPABILITIES
// =============================================================================

// AuthMethod is an authentication method advertised by an ACP agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentInfo identifies the remote agent.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// Capabilities is the result of capability negotiation during
// Initialize.
type Capabilities struct {
	// Image reports whether the backend accepts image attachments.
	Image bool

	// EmbeddedContext reports whether structured context items may be
	// attached to prompts.
	EmbeddedContext bool

	// LoadSession reports whether the backend can reload the history
	// of a previously created remote session.
	LoadSession bool

	// AuthMethods lists authentication methods (ACP only).
	AuthMethods []AuthMethod

	// Agent identifies the backend, when it reports one.
	Agent *AgentInfo
}

// =============================================================================
// SEND OPTIONS
// =============================================================================

// ContextItem is a structured context entry attached to a prompt.
type ContextItem struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// SendOptions is the unified prompt representation. Each adapter
// transforms it into its own wire format.
type SendOptions struct {
	Text        string
	Attachments []chat.Attachment
	Context     []ContextItem
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter is the capability set every chat backend implements.
//
// SendMessage dispatches the prompt and returns immediately; the
// response arrives asynchronously through the event handler. Cancel is
// best-effort against the backend but must always flush buffered
// deltas and emit a terminal event locally. Stop tears the backend
// down and is idempotent.
type Adapter interface {
	ID() chat.Provider
	Initialize(ctx context.Context) (Capabilities, error)
	SendMessage(ctx context.Context, session *chat.Session, opts SendOptions) error
	Cancel(ctx context.Context) error
	Stop() error
}

// Authenticator is implemented by adapters that support explicit
// authentication (ACP). Failure is non-fatal: chat may proceed
// unauthenticated if the backend tolerates it.
type Authenticator interface {
	Authenticate(ctx context.Context, methodID string) error
}
