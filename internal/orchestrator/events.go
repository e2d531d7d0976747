// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"fmt"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/provider"
)

// handleEvent applies one normalized provider event to the timeline.
// Events from a non-active provider are dropped: they belong to an
// adapter that was switched away while its stream resolved.
//
// Mutation happens inside the store lock (UpdateActive) so render
// views and the persistence marshal never observe a write in progress.
func (o *Orchestrator) handleEvent(from chat.Provider, ev provider.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if from != o.active {
		return
	}

	switch ev := ev.(type) {
	case provider.CompletedEvent:
		o.finalizeLocked(chat.MessageComplete, "")

	case provider.FailedEvent:
		o.finalizeLocked(chat.MessageError, ev.Message)

	case provider.CancelledEvent:
		o.finalizeLocked(chat.MessageCancelled, "")

	default:
		o.sessions.UpdateActive(func(session *chat.Session) {
			o.applyStreamEvent(session, ev)
		})
	}

	o.sessions.ScheduleSave()
}

// applyStreamEvent handles the non-terminal events. Runs inside the
// store lock with o.mu held.
func (o *Orchestrator) applyStreamEvent(session *chat.Session, ev provider.Event) {
	switch ev := ev.(type) {
	case provider.TextEvent:
		if msg := o.currentMessageLocked(session); msg != nil {
			msg.Content = chat.ConcatChunk(msg.Content, ev.Delta)
			session.Touch()
		}

	case provider.ReasoningEvent:
		if msg := o.currentMessageLocked(session); msg != nil {
			msg.Reasoning = chat.ConcatChunk(msg.Reasoning, ev.Delta)
			msg.Blocks, _ = chat.AppendReasoning(msg.Blocks, ev.Delta, nil)
			session.Touch()
		}

	case provider.ToolCallEvent:
		if msg := o.currentMessageLocked(session); msg != nil {
			call := ev.Call
			if call.Status == "" {
				call.Status = chat.ToolCallPending
			}
			msg.AddToolCall(&call)
			msg.Blocks, _ = chat.EnsureToolCallBlock(msg.Blocks, call.ID)
			session.Touch()
		}

	case provider.ToolCallUpdateEvent:
		if msg := o.currentMessageLocked(session); msg != nil {
			o.applyToolCallUpdate(msg, ev)
			session.Touch()
		}

	case provider.ToolCallsReadyEvent:
		// The OpenAI turn ended in a tool batch: the announcing message
		// is complete, but it stays current so call updates keep
		// routing to it until the follow-up turn opens a new one.
		if msg := o.currentMessageLocked(session); msg != nil {
			msg.Status = chat.MessageComplete
			msg.Partial = false
			session.Touch()
		}

	case provider.TurnStartedEvent:
		placeholder := chat.NewMessage(chat.RoleAssistant, chat.MessageStreaming)
		placeholder.Partial = true
		session.Append(placeholder)
		o.currentMessageID = placeholder.ID

	case provider.RetryEvent:
		// Surfaced as a pseudo tool call so the timeline shows the
		// attempt.
		if msg := o.currentMessageLocked(session); msg != nil {
			id := fmt.Sprintf("retry-%d", ev.Attempt)
			call := &chat.ToolCall{
				ID:     id,
				Name:   "retry",
				Status: chat.ToolCallRunning,
				Result: ev.Message,
			}
			msg.AddToolCall(call)
			msg.Blocks, _ = chat.EnsureToolCallBlock(msg.Blocks, id)
			session.Touch()
		}

	case provider.PlanEvent:
		// Plan updates replace the list wholesale.
		session.Plan = ev.Entries
		session.Touch()
	}
}

// applyToolCallUpdate mutates a call in place, creating it first when
// the update outran the announcement.
func (o *Orchestrator) applyToolCallUpdate(msg *chat.Message, ev provider.ToolCallUpdateEvent) {
	call := msg.ToolCall(ev.ID)
	if call == nil {
		call = &chat.ToolCall{ID: ev.ID, Name: ev.Name, Status: chat.ToolCallPending}
		msg.AddToolCall(call)
		msg.Blocks, _ = chat.EnsureToolCallBlock(msg.Blocks, ev.ID)
	}
	if call.Name == "" && ev.Name != "" {
		call.Name = ev.Name
	}
	if ev.Status != "" && ev.Status != call.Status {
		// Monotonicity violations are dropped, not applied.
		_ = call.SetStatus(ev.Status)
	}
	call.AppendResult(ev.ResultDelta)
}

// currentMessageLocked resolves the current assistant message pointer
// within the active session.
func (o *Orchestrator) currentMessageLocked(session *chat.Session) *chat.Message {
	if o.currentMessageID == "" {
		return nil
	}
	return session.Message(o.currentMessageID)
}

// finalizeLocked moves the current assistant message to a terminal
// status and clears the streaming state. Safe to call when nothing is
// in flight. Requires o.mu held, not the store lock.
//
// detail carries the error text for MessageError, or the close reason
// annotated onto dangling tool calls for MessageCancelled.
func (o *Orchestrator) finalizeLocked(status chat.MessageStatus, detail string) {
	o.sessions.UpdateActive(func(session *chat.Session) {
		if msg := o.currentMessageLocked(session); msg != nil && !msg.Status.Terminal() {
			switch status {
			case chat.MessageComplete:
				for _, call := range msg.ToolCalls {
					if !call.Status.Terminal() {
						_ = call.SetStatus(chat.ToolCallCompleted)
					}
				}
				msg.Partial = false

			case chat.MessageError:
				if msg.Content == "" {
					msg.Content = detail
				} else if detail != "" {
					msg.Content += "\n\n" + detail
				}
				msg.CloseToolCalls("error")

			case chat.MessageCancelled:
				if msg.Content == "" {
					msg.Content = stoppedPlaceholder
				}
				reason := detail
				if reason == "" {
					reason = "cancelled"
				}
				msg.CloseToolCalls(reason)
			}
			msg.Status = status
			session.Touch()
		}
		session.Status = chat.SessionIdle
	})

	o.streaming = false
	o.currentMessageID = ""
}
