// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the contract between the orchestrator and
// the chat backends.
package provider

import "github.com/octovalve/console-core/internal/chat"

// =============================================================================
// NORMALIZED EVENTS
// =============================================================================

// Event is the normalized form of an inbound backend event. Adapters
// parse their raw payloads exactly once, at the transport boundary;
// everything downstream switches on these variants.
type Event interface {
	isEvent()
}

// Handler receives normalized events. Adapters may call it from their
// reader goroutines; implementations must be safe for that.
type Handler func(Event)

// TextEvent is an assistant text delta (already batch-flushed).
type TextEvent struct {
	Delta string
}

// ReasoningEvent is a reasoning/thought delta (already batch-flushed).
type ReasoningEvent struct {
	Delta string
}

// ToolCallEvent announces a new tool invocation. For the OpenAI
// provider the whole batch arrives as consecutive ToolCallEvents
// followed by a ToolCallsReadyEvent.
type ToolCallEvent struct {
	Call chat.ToolCall
}

// ToolCallUpdateEvent carries an incremental status/result change for
// a previously announced call. Adapters may emit it for a call that
// was never announced; the orchestrator creates the call on demand.
type ToolCallUpdateEvent struct {
	ID          string
	Name        string
	Status      chat.ToolCallStatus
	ResultDelta string
}

// ToolCallsReadyEvent signals that the OpenAI provider finished its
// turn with a batch of tool calls to execute.
type ToolCallsReadyEvent struct {
	IDs []string
}

// RetryEvent surfaces a transient backend retry as a pseudo tool call
// so the UI can show the attempt.
type RetryEvent struct {
	Attempt int
	Message string
}

// PlanEvent replaces the session plan wholesale.
type PlanEvent struct {
	Entries []chat.PlanEntry
}

// TurnStartedEvent asks the orchestrator to open a fresh streaming
// assistant message (used for automatic follow-up turns after tool
// execution).
type TurnStartedEvent struct{}

// CompletedEvent finalizes the current assistant message successfully.
type CompletedEvent struct {
	StopReason string
}

// FailedEvent finalizes the current assistant message as an error.
type FailedEvent struct {
	Message string
}

// CancelledEvent finalizes the current assistant message as cancelled.
type CancelledEvent struct{}

func (TextEvent) isEvent()           {}
func (ReasoningEvent) isEvent()      {}
func (ToolCallEvent) isEvent()       {}
func (ToolCallUpdateEvent) isEvent() {}
func (ToolCallsReadyEvent) isEvent() {}
func (RetryEvent) isEvent()          {}
func (PlanEvent) isEvent()           {}
func (TurnStartedEvent) isEvent()    {}
func (CompletedEvent) isEvent()      {}
func (FailedEvent) isEvent()         {}
func (CancelledEvent) isEvent()      {}
