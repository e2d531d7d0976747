// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package acp implements the Agent Client Protocol backend.
package acp

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/octovalve/console-core/internal/chat"
)

// =============================================================================
// TYPED UPDATES
// =============================================================================

// updateKind is the normalized session/update discriminator.
type updateKind string

const (
	updateMessageChunk   updateKind = "agent_message_chunk"
	updateThoughtChunk   updateKind = "agent_thought_chunk"
	updateToolCall       updateKind = "tool_call"
	updateToolCallUpdate updateKind = "tool_call_update"
	updateRetry          updateKind = "retry"
	updatePlan           updateKind = "plan"
	updateTaskComplete   updateKind = "task_complete"
	updateError          updateKind = "error"
	updateUnknown        updateKind = "unknown"
)

// sessionUpdate is the strongly-typed form of a session/update
// notification. Exactly one of the kind-specific field groups is
// populated, per Kind.
type sessionUpdate struct {
	SessionID string
	Kind      updateKind

	// Text carries the delta for message/thought chunks, the error
	// message for error updates, and the retry status text.
	Text string

	// Tool call fields (tool_call, tool_call_update).
	ToolCallID string
	ToolName   string
	ToolStatus chat.ToolCallStatus
	ToolArgs   map[string]any

	// Retry attempt counter.
	Attempt int

	// Plan replacement (plan updates only).
	Plan []chat.PlanEntry

	// StopReason (task_complete only).
	StopReason string
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// firstString returns the first present field among the given aliases.
func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if f := v.Get(k); f.Exists() {
			return f.String()
		}
	}
	return ""
}

// extractText pulls text out of a content value that may be a bare
// string, a {type:"text",text:...} object, or an array of such blocks.
func extractText(content gjson.Result) string {
	switch {
	case !content.Exists():
		return ""
	case content.IsArray():
		out := ""
		content.ForEach(func(_, entry gjson.Result) bool {
			out += extractText(entry)
			return true
		})
		return out
	case content.IsObject():
		if t := content.Get("text"); t.Exists() {
			return t.String()
		}
		// tool_call_update wraps content one level deeper.
		return extractText(content.Get("content"))
	default:
		return content.String()
	}
}

// normalizeToolStatus maps the agent's loose status vocabulary onto the
// internal enum. Unknown values default to running: an update implies
// the call is at least started.
func normalizeToolStatus(raw string) chat.ToolCallStatus {
	switch raw {
	case "pending", "queued":
		return chat.ToolCallPending
	case "in_progress", "running":
		return chat.ToolCallRunning
	case "completed", "complete", "success":
		return chat.ToolCallCompleted
	case "failed", "error":
		return chat.ToolCallFailed
	case "cancelled", "canceled":
		return chat.ToolCallCancelled
	default:
		return chat.ToolCallRunning
	}
}

// normalizeUpdate parses a raw session/update notification payload.
// This is the single parsing point for the protocol's inconsistent
// field naming; everything downstream sees only sessionUpdate.
func normalizeUpdate(params json.RawMessage) sessionUpdate {
	root := gjson.ParseBytes(params)
	update := root.Get("update")
	if !update.Exists() {
		update = root
	}

	u := sessionUpdate{
		SessionID: firstString(root, "sessionId", "session_id"),
		Kind:      updateUnknown,
	}

	kind := firstString(update, "sessionUpdate", "session_update", "type", "kind")
	switch kind {
	case "agent_message_chunk":
		u.Kind = updateMessageChunk
		u.Text = extractText(update.Get("content"))

	case "agent_thought_chunk", "agent_reasoning_chunk":
		u.Kind = updateThoughtChunk
		u.Text = extractText(update.Get("content"))

	case "tool_call":
		u.Kind = updateToolCall
		u.ToolCallID = firstString(update, "toolCallId", "tool_call_id", "id")
		u.ToolName = firstString(update, "title", "name", "kind")
		u.ToolStatus = normalizeToolStatus(firstString(update, "status"))
		u.ToolArgs = parseArgs(update)

	case "tool_call_update":
		u.Kind = updateToolCallUpdate
		u.ToolCallID = firstString(update, "toolCallId", "tool_call_id", "id")
		u.ToolName = firstString(update, "title", "name")
		u.ToolStatus = normalizeToolStatus(firstString(update, "status"))
		u.Text = extractText(update.Get("content"))

	case "retry":
		u.Kind = updateRetry
		u.Attempt = int(update.Get("attempt").Int())
		u.Text = firstString(update, "message", "reason")

	case "plan":
		u.Kind = updatePlan
		u.Plan = parsePlan(update.Get("entries"))

	case "task_complete":
		u.Kind = updateTaskComplete
		u.StopReason = firstString(update, "stopReason", "stop_reason")

	case "error":
		u.Kind = updateError
		u.Text = firstString(update, "message", "error")
	}
	return u
}

// parseArgs reads tool-call arguments from any of the field names seen
// in the wild. Non-object argument payloads are preserved under __raw.
func parseArgs(update gjson.Result) map[string]any {
	for _, key := range []string{"rawInput", "raw_input", "input", "arguments"} {
		v := update.Get(key)
		if !v.Exists() {
			continue
		}
		if v.IsObject() {
			out := map[string]any{}
			if err := json.Unmarshal([]byte(v.Raw), &out); err == nil {
				return out
			}
		}
		return map[string]any{"__raw": v.String()}
	}
	return nil
}

func parsePlan(entries gjson.Result) []chat.PlanEntry {
	var plan []chat.PlanEntry
	entries.ForEach(func(_, entry gjson.Result) bool {
		e := chat.PlanEntry{
			Content:  firstString(entry, "content", "title"),
			Status:   chat.PlanPending,
			Priority: chat.PriorityMedium,
		}
		switch entry.Get("status").String() {
		case "in_progress":
			e.Status = chat.PlanInProgress
		case "completed":
			e.Status = chat.PlanCompleted
		}
		switch entry.Get("priority").String() {
		case "low":
			e.Priority = chat.PriorityLow
		case "high":
			e.Priority = chat.PriorityHigh
		}
		plan = append(plan, e)
		return true
	})
	return plan
}
