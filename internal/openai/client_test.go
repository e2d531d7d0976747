// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/octovalve/console-core/internal/chat"
)

// sseServer streams the given SSE lines for every request.
func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
}

func testClient(baseURL string) *Client {
	return NewClient(ClientConfig{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		Model:             "test-model",
		RequestsPerMinute: 6000,
	})
}

// =============================================================================
// URL & SSE FRAMING
// =============================================================================

func TestJoinBasePath(t *testing.T) {
	cases := []struct{ base, path, want string }{
		{"http://localhost:8080", "/v1/chat/completions", "http://localhost:8080/v1/chat/completions"},
		{"http://localhost:8080/", "/v1/chat/completions", "http://localhost:8080/v1/chat/completions"},
		{"http://localhost:8080", "v1/chat/completions", "http://localhost:8080/v1/chat/completions"},
	}
	for _, c := range cases {
		if got := joinBasePath(c.base, c.path); got != c.want {
			t.Errorf("joinBasePath(%q, %q) = %q, want %q", c.base, c.path, got, c.want)
		}
	}
}

func TestStripDataPrefix(t *testing.T) {
	if data, ok := stripDataPrefix("data: hello"); !ok || data != "hello" {
		t.Errorf("spaced prefix: %q %v", data, ok)
	}
	// Some gateways omit the space after the colon.
	if data, ok := stripDataPrefix("data:hello"); !ok || data != "hello" {
		t.Errorf("tight prefix: %q %v", data, ok)
	}
	if _, ok := stripDataPrefix("event: ping"); ok {
		t.Error("non-data line should not match")
	}
}

// =============================================================================
// STREAMING
// =============================================================================

func TestStream_ContentAndReasoning(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"reasoning_content":"thinking "}}]}`,
		`data: {"choices":[{"delta":{"reasoning":"hard"}}]}`,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	c := testClient(srv.URL)
	c.AddUserMessage("hi", nil, nil)

	var text, reasoning strings.Builder
	out, err := c.Stream(context.Background(), StreamCallbacks{
		OnText:      func(d string) { text.WriteString(d) },
		OnReasoning: func(d string) { reasoning.WriteString(d) },
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.FinishReason != FinishStop {
		t.Errorf("finish = %q", out.FinishReason)
	}
	if text.String() != "Hello world" {
		t.Errorf("text = %q", text.String())
	}
	if reasoning.String() != "thinking hard" {
		t.Errorf("reasoning = %q", reasoning.String())
	}

	// The assistant turn is stored back into the linear context.
	if len(c.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(c.messages))
	}
	last := c.messages[1]
	if last.Role != "assistant" || last.Content != "Hello world" {
		t.Errorf("stored assistant = %+v", last)
	}
}

func TestStream_ToolCallAssembly(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"run_command","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"target\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"web-1\"}"}},{"index":1,"id":"call_2","function":{"name":"list_targets","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	defer srv.Close()

	c := testClient(srv.URL)
	c.AddUserMessage("run ls on web-1", nil, nil)

	out, err := c.Stream(context.Background(), StreamCallbacks{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.FinishReason != FinishToolCalls {
		t.Fatalf("finish = %q", out.FinishReason)
	}
	if len(out.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d", len(out.ToolCalls))
	}
	if out.ToolCalls[0].ID != "call_1" || out.ToolCalls[0].Name != "run_command" {
		t.Errorf("call 0 = %+v", out.ToolCalls[0])
	}
	if out.ToolCalls[0].Arguments != `{"target":"web-1"}` {
		t.Errorf("assembled arguments = %q", out.ToolCalls[0].Arguments)
	}
	if out.ToolCalls[1].ID != "call_2" || out.ToolCalls[1].Name != "list_targets" {
		t.Errorf("call 1 = %+v", out.ToolCalls[1])
	}

	// Stored assistant turn carries the calls for the follow-up
	// request.
	last := c.messages[len(c.messages)-1]
	if last.Role != "assistant" || len(last.ToolCalls) != 2 {
		t.Errorf("stored assistant = %+v", last)
	}
}

func TestStream_DoneWithoutFinishReason(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	c := testClient(srv.URL)
	c.AddUserMessage("hi", nil, nil)

	out, err := c.Stream(context.Background(), StreamCallbacks{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.FinishReason != FinishStop || out.Content != "partial" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestStream_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.AddUserMessage("hi", nil, nil)

	_, err := c.Stream(context.Background(), StreamCallbacks{})
	if err == nil || !strings.Contains(err.Error(), "api error 400") {
		t.Errorf("err = %v", err)
	}
}

func TestStream_CancelledContext(t *testing.T) {
	srv := sseServer(t, `data: {"choices":[{"delta":{"content":"x"}}]}`)
	defer srv.Close()

	c := testClient(srv.URL)
	c.AddUserMessage("hi", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Stream(ctx, StreamCallbacks{}); err == nil {
		t.Error("cancelled context should fail the stream")
	}
}

// =============================================================================
// CONTEXT BUILDING
// =============================================================================

func TestSystemPromptInjection(t *testing.T) {
	c := testClient("http://unused")
	c.SetSystemPrompt("You are the console operator assistant.")
	c.AddUserMessage("hi", nil, nil)

	msgs, _ := c.snapshot()
	if len(msgs) != 2 || msgs[0].Role != "system" {
		t.Fatalf("snapshot = %+v", msgs)
	}
	if msgs[0].Content != "You are the console operator assistant." {
		t.Errorf("system content = %v", msgs[0].Content)
	}

	// An identical leading system message is not duplicated.
	c.ClearMessages()
	c.mu.Lock()
	c.messages = append(c.messages, chatMessage{Role: "system", Content: "You are the console operator assistant."})
	c.mu.Unlock()
	c.AddUserMessage("hi", nil, nil)

	msgs, _ = c.snapshot()
	if len(msgs) != 2 {
		t.Errorf("snapshot = %d messages, want 2 (no duplicate system prompt)", len(msgs))
	}
}

func TestBuildUserContent_Attachments(t *testing.T) {
	plain := buildUserContent("hello", nil, nil)
	if plain != "hello" {
		t.Errorf("plain content = %v", plain)
	}

	withImage := buildUserContent("see this", []chat.Attachment{
		{MimeType: "image/png", Data: "aGVsbG8="},
		{MimeType: "image/png"}, // no payload, dropped
	}, nil)
	parts, ok := withImage.([]contentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("content = %#v", withImage)
	}
	if parts[0].Type != "text" || parts[0].Text != "see this" {
		t.Errorf("parts[0] = %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL.URL != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("parts[1] = %+v", parts[1])
	}
}

func TestAddToolResult(t *testing.T) {
	c := testClient("http://unused")
	c.AddToolResult("call_1", "web-1\ndb-1")

	if len(c.messages) != 1 {
		t.Fatalf("messages = %d", len(c.messages))
	}
	m := c.messages[0]
	if m.Role != "tool" || m.ToolCallID != "call_1" || m.Content != "web-1\ndb-1" {
		t.Errorf("tool message = %+v", m)
	}
}
