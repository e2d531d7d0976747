// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package acp

import (
	"encoding/json"
	"testing"

	"github.com/octovalve/console-core/internal/chat"
)

// =============================================================================
// UPDATE NORMALIZATION TESTS
// =============================================================================

func TestNormalizeUpdate_MessageChunk(t *testing.T) {
	payloads := []string{
		// Content as a text block object.
		`{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello"}}}`,
		// Content as a bare string, snake_case discriminator.
		`{"session_id":"s1","update":{"session_update":"agent_message_chunk","content":"hello"}}`,
		// Content as an array of blocks.
		`{"sessionId":"s1","update":{"type":"agent_message_chunk","content":[{"type":"text","text":"hel"},{"type":"text","text":"lo"}]}}`,
	}
	for _, p := range payloads {
		u := normalizeUpdate(json.RawMessage(p))
		if u.Kind != updateMessageChunk {
			t.Errorf("kind = %s for %s", u.Kind, p)
		}
		if u.SessionID != "s1" {
			t.Errorf("sessionID = %q for %s", u.SessionID, p)
		}
		if u.Text != "hello" {
			t.Errorf("text = %q for %s", u.Text, p)
		}
	}
}

func TestNormalizeUpdate_ReasoningAliases(t *testing.T) {
	for _, kind := range []string{"agent_thought_chunk", "agent_reasoning_chunk"} {
		raw := `{"sessionId":"s1","update":{"sessionUpdate":"` + kind + `","content":{"type":"text","text":"mull"}}}`
		u := normalizeUpdate(json.RawMessage(raw))
		if u.Kind != updateThoughtChunk {
			t.Errorf("kind %s normalized to %s", kind, u.Kind)
		}
		if u.Text != "mull" {
			t.Errorf("text = %q", u.Text)
		}
	}
}

func TestNormalizeUpdate_ToolCallFieldAliases(t *testing.T) {
	camel := `{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"c1","title":"run_command","status":"pending","rawInput":{"target":"web-1"}}}`
	snake := `{"session_id":"s1","update":{"sessionUpdate":"tool_call","tool_call_id":"c1","name":"run_command","status":"pending","input":{"target":"web-1"}}}`

	for _, raw := range []string{camel, snake} {
		u := normalizeUpdate(json.RawMessage(raw))
		if u.Kind != updateToolCall {
			t.Fatalf("kind = %s", u.Kind)
		}
		if u.ToolCallID != "c1" {
			t.Errorf("toolCallID = %q", u.ToolCallID)
		}
		if u.ToolName != "run_command" {
			t.Errorf("toolName = %q", u.ToolName)
		}
		if u.ToolStatus != chat.ToolCallPending {
			t.Errorf("status = %s", u.ToolStatus)
		}
		if u.ToolArgs["target"] != "web-1" {
			t.Errorf("args = %v", u.ToolArgs)
		}
	}
}

func TestNormalizeUpdate_ToolCallNonObjectArgs(t *testing.T) {
	raw := `{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"c1","name":"x","rawInput":"not json"}}`
	u := normalizeUpdate(json.RawMessage(raw))
	if u.ToolArgs["__raw"] != "not json" {
		t.Errorf("args = %v, want __raw fallback", u.ToolArgs)
	}
}

func TestNormalizeUpdate_ToolCallUpdateContent(t *testing.T) {
	raw := `{"sessionId":"s1","update":{"sessionUpdate":"tool_call_update","toolCallId":"c1","status":"completed","content":[{"type":"content","content":{"type":"text","text":"done"}}]}}`
	u := normalizeUpdate(json.RawMessage(raw))
	if u.Kind != updateToolCallUpdate {
		t.Fatalf("kind = %s", u.Kind)
	}
	if u.ToolStatus != chat.ToolCallCompleted {
		t.Errorf("status = %s", u.ToolStatus)
	}
	if u.Text != "done" {
		t.Errorf("text = %q", u.Text)
	}
}

func TestNormalizeUpdate_Plan(t *testing.T) {
	raw := `{"sessionId":"s1","update":{"sessionUpdate":"plan","entries":[
		{"content":"inspect target","status":"in_progress","priority":"high"},
		{"content":"run fix","status":"pending"}]}}`
	u := normalizeUpdate(json.RawMessage(raw))
	if u.Kind != updatePlan {
		t.Fatalf("kind = %s", u.Kind)
	}
	if len(u.Plan) != 2 {
		t.Fatalf("plan entries = %d", len(u.Plan))
	}
	if u.Plan[0].Status != chat.PlanInProgress || u.Plan[0].Priority != chat.PriorityHigh {
		t.Errorf("entry 0 = %+v", u.Plan[0])
	}
	// Missing priority defaults to medium.
	if u.Plan[1].Priority != chat.PriorityMedium {
		t.Errorf("entry 1 priority = %s", u.Plan[1].Priority)
	}
}

func TestNormalizeUpdate_Unknown(t *testing.T) {
	u := normalizeUpdate(json.RawMessage(`{"sessionId":"s1","update":{"sessionUpdate":"mode_changed"}}`))
	if u.Kind != updateUnknown {
		t.Errorf("kind = %s, want unknown", u.Kind)
	}
}

// =============================================================================
// SESSION AFFINITY TESTS
// =============================================================================

func TestAdapter_Accept(t *testing.T) {
	adapter := NewAdapter(Config{}, nil)

	// Bootstrap: no active remote session yet.
	if !adapter.accept("") {
		t.Error("event without session id should be accepted during bootstrap")
	}
	if adapter.accept("other") {
		t.Error("event with session id should be dropped during bootstrap")
	}

	adapter.mu.Lock()
	adapter.activeRemoteID = "remote-1"
	adapter.mu.Unlock()

	if !adapter.accept("remote-1") {
		t.Error("matching session id should be accepted")
	}
	if adapter.accept("remote-2") {
		t.Error("mismatched session id should be dropped")
	}
	if adapter.accept("") {
		t.Error("missing session id should be dropped once a remote session is active")
	}
}
