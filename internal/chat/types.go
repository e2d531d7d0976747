// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat defines the session, message, and tool-call model shared
// by every provider.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// PROVIDER IDENTITY
// =============================================================================

// Provider identifies which backend a session belongs to.
type Provider string

const (
	// ProviderACP is the agent-communication-protocol backend (local
	// agent process speaking JSON-RPC over stdio).
	ProviderACP Provider = "acp"

	// ProviderOpenAI is the OpenAI-compatible chat-completions backend.
	ProviderOpenAI Provider = "openai"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderACP || p == ProviderOpenAI
}

// =============================================================================
// STATUS ENUMS
// =============================================================================

// SessionStatus is the coarse session lifecycle state.
type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionPaused  SessionStatus = "paused"
)

// MessageStatus tracks a message through streaming to a terminal state.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
	MessageCancelled MessageStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageComplete, MessageError, MessageCancelled:
		return true
	}
	return false
}

// ToolCallStatus tracks a tool invocation. Transitions are monotonic:
// pending -> running -> completed|failed|cancelled.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallCancelled ToolCallStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallFailed, ToolCallCancelled:
		return true
	}
	return false
}

// rank orders statuses for the monotonic transition check.
func (s ToolCallStatus) rank() int {
	switch s {
	case ToolCallPending:
		return 0
	case ToolCallRunning:
		return 1
	default:
		return 2
	}
}

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// =============================================================================
// PLAN
// =============================================================================

// PlanStatus is the state of a single plan entry.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
)

// PlanPriority is the agent-reported priority of a plan entry.
type PlanPriority string

const (
	PriorityLow    PlanPriority = "low"
	PriorityMedium PlanPriority = "medium"
	PriorityHigh   PlanPriority = "high"
)

// PlanEntry is one step of an agent-reported task plan. Plan updates
// replace the whole list; entries are never merged.
type PlanEntry struct {
	Content  string       `json:"content"`
	Status   PlanStatus   `json:"status"`
	Priority PlanPriority `json:"priority"`
}

// =============================================================================
// TOOL CALLS
// =============================================================================

// ToolCall is a provider-requested tool invocation attached to a
// message. The ID is provider-assigned and unique within the message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Result    string         `json:"result,omitempty"`
}

// SetStatus applies a status transition, enforcing monotonicity.
// Transitions out of a terminal state are rejected.
func (c *ToolCall) SetStatus(status ToolCallStatus) error {
	if c.Status.Terminal() {
		return fmt.Errorf("tool call %s: cannot leave terminal status %s", c.ID, c.Status)
	}
	if status.rank() < c.Status.rank() {
		return fmt.Errorf("tool call %s: invalid transition %s -> %s", c.ID, c.Status, status)
	}
	c.Status = status
	return nil
}

// AppendResult grows the accumulated result text.
func (c *ToolCall) AppendResult(delta string) {
	if delta == "" {
		return
	}
	c.Result = ConcatChunk(c.Result, delta)
}

// CloseForReason annotates a call that is being abandoned because the
// stream was cancelled or the provider switched away. Calls already in
// a terminal state are left untouched.
func (c *ToolCall) CloseForReason(reason string) {
	if c.Status.Terminal() {
		return
	}
	c.Status = ToolCallCancelled
	if reason != "" {
		if c.Result != "" && !strings.HasSuffix(c.Result, "\n") {
			c.Result += "\n"
		}
		c.Result += "[closed: " + reason + "]"
	}
}

// =============================================================================
// MESSAGES
// =============================================================================

// Attachment is an inline image or file attached to a user message.
// Data holds the base64 payload sent to the provider; Preview holds a
// render-size copy that is stripped before persistence.
type Attachment struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data,omitempty"`
	Preview  string `json:"preview,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Message is a single entry of a session's conversation.
type Message struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Reasoning   string        `json:"reasoning,omitempty"`
	Blocks      []Block       `json:"blocks,omitempty"`
	ToolCalls   []*ToolCall   `json:"toolCalls,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Status      MessageStatus `json:"status"`
	Partial     bool          `json:"partial,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(role Role, status MessageStatus) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Role:      role,
		Status:    status,
	}
}

// ToolCall returns the tool call with the given ID, or nil.
func (m *Message) ToolCall(id string) *ToolCall {
	for _, c := range m.ToolCalls {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// AddToolCall appends a tool call, deduplicating by ID. Returns the
// stored call (existing one on duplicate) and whether it was inserted.
func (m *Message) AddToolCall(call *ToolCall) (*ToolCall, bool) {
	if existing := m.ToolCall(call.ID); existing != nil {
		return existing, false
	}
	m.ToolCalls = append(m.ToolCalls, call)
	return call, true
}

// CloseToolCalls closes every non-terminal tool call with the reason.
func (m *Message) CloseToolCalls(reason string) {
	for _, c := range m.ToolCalls {
		c.CloseForReason(reason)
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

// Session is one chat exchange: an ordered message list plus the
// agent-reported plan and the remote session handle for ACP.
type Session struct {
	ID        string        `json:"id"`
	Provider  Provider      `json:"provider"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Messages  []*Message    `json:"messages"`
	Plan      []PlanEntry   `json:"plan,omitempty"`
	Status    SessionStatus `json:"status"`

	// ACPSessionID is the remote session handle assigned by the agent
	// process. Empty until the first prompt creates one.
	ACPSessionID string `json:"acpSessionId,omitempty"`
}

// NewSession creates an empty session for the given provider.
func NewSession(provider Provider, title string) *Session {
	now := time.Now()
	if title == "" {
		title = "New session"
	}
	return &Session{
		ID:        uuid.New().String(),
		Provider:  provider,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    SessionIdle,
	}
}

// Message returns the message with the given ID, or nil.
func (s *Session) Message(id string) *Message {
	for _, m := range s.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Append adds a message and bumps the updated timestamp.
func (s *Session) Append(m *Message) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now()
}

// Touch bumps the updated timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}
