// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

// DefaultChatPath is the standard completions endpoint, overridable for
// gateways that mount it elsewhere.
const DefaultChatPath = "/v1/chat/completions"

// DefaultRequestsPerMinute caps outbound completion requests. Follow-up
// turns after tool batches count against the same budget.
const DefaultRequestsPerMinute = 60

// ClientConfig describes the completions endpoint.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// ChatPath defaults to DefaultChatPath when empty.
	ChatPath string

	// RequestsPerMinute defaults to DefaultRequestsPerMinute when zero.
	RequestsPerMinute int
}

// =============================================================================
// WIRE TYPES (outbound request body)
// =============================================================================

// chatMessage is one entry of the linear context. Content is either a
// plain string or a []contentPart when the turn carries images.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// =============================================================================
// STREAM OUTCOME
// =============================================================================

// Finish reasons reported by StreamOutcome.
const (
	// FinishStop ends the turn normally ([DONE] or finish_reason stop).
	FinishStop = "stop"

	// FinishToolCalls ends the turn with a tool batch to execute.
	FinishToolCalls = "tool_calls"

	// FinishEnd means the stream closed without an explicit finish
	// marker. Treated like a normal stop.
	FinishEnd = "end"
)

// CompletedCall is a fully assembled tool call from the stream, with
// its argument fragments concatenated.
type CompletedCall struct {
	ID        string
	Name      string
	Arguments string
}

// StreamOutcome summarizes a finished stream.
type StreamOutcome struct {
	FinishReason string
	Content      string
	ToolCalls    []CompletedCall
}

// StreamCallbacks receives deltas as they arrive. Either field may be
// nil.
type StreamCallbacks struct {
	OnText      func(delta string)
	OnReasoning func(delta string)
}
