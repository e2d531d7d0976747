// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/provider"
	"github.com/octovalve/console-core/internal/tools"
)

// maxSSELine bounds a single SSE line. Completion chunks are small, but
// a tool-call fragment can carry a large argument string.
const maxSSELine = 4 * 1024 * 1024

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to an OpenAI-compatible completions endpoint and owns
// the linear message context replayed on every request.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter

	mu           sync.Mutex
	messages     []chatMessage
	tools        []tool
	systemPrompt string
}

// NewClient creates a client for the given endpoint.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ChatPath == "" {
		cfg.ChatPath = DefaultChatPath
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 4),
	}
}

// SetSystemPrompt installs the prompt injected at position zero of
// every request. Empty disables injection.
func (c *Client) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = strings.TrimSpace(prompt)
}

// SetTools replaces the advertised tool schemas.
func (c *Client) SetTools(defs []tools.Definition) {
	wire := make([]tool, 0, len(defs))
	for _, d := range defs {
		wire = append(wire, tool{
			Type:     "function",
			Function: toolFunction{Name: d.Name, Description: d.Description, Parameters: d.Parameters},
		})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = wire
}

// ClearMessages drops the linear context.
func (c *Client) ClearMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// AddUserMessage appends a user turn. Attachments become image_url
// parts (data URIs); context items are embedded as a trailing text
// part.
func (c *Client) AddUserMessage(text string, attachments []chat.Attachment, ctxItems []provider.ContextItem) {
	msg := chatMessage{Role: "user", Content: buildUserContent(text, attachments, ctxItems)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// AddAssistantMessage appends a completed assistant turn, typically
// during session replay.
func (c *Client) AddAssistantMessage(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, chatMessage{Role: "assistant", Content: text})
}

// AddToolResult appends the settled result of one tool call so the
// follow-up turn can see it.
func (c *Client) AddToolResult(callID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, chatMessage{
		Role:       "tool",
		Content:    text,
		ToolCallID: callID,
	})
}

// storeAssistant records the streamed assistant turn (content and any
// tool calls) back into the context. Empty turns are not stored.
func (c *Client) storeAssistant(content string, calls []toolCall) {
	if content == "" && len(calls) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, chatMessage{
		Role:      "assistant",
		Content:   content,
		ToolCalls: calls,
	})
}

// snapshot copies the request inputs under the lock, injecting the
// system prompt unless the context already starts with the same one.
func (c *Client) snapshot() ([]chatMessage, []tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]chatMessage, 0, len(c.messages)+1)
	if c.systemPrompt != "" && !hasSystemPrompt(c.messages, c.systemPrompt) {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.systemPrompt})
	}
	msgs = append(msgs, c.messages...)

	toolsCopy := make([]tool, len(c.tools))
	copy(toolsCopy, c.tools)
	return msgs, toolsCopy
}

func hasSystemPrompt(msgs []chatMessage, prompt string) bool {
	if len(msgs) == 0 || msgs[0].Role != "system" {
		return false
	}
	text, ok := msgs[0].Content.(string)
	return ok && strings.TrimSpace(text) == prompt
}

func buildUserContent(text string, attachments []chat.Attachment, ctxItems []provider.ContextItem) any {
	var extra string
	if len(ctxItems) > 0 {
		if data, err := json.Marshal(ctxItems); err == nil {
			extra = "\n\nContext:\n" + string(data)
		}
	}

	images := make([]chat.Attachment, 0, len(attachments))
	for _, att := range attachments {
		if att.Data != "" {
			images = append(images, att)
		}
	}
	if len(images) == 0 {
		return text + extra
	}

	parts := []contentPart{{Type: "text", Text: text + extra}}
	for _, att := range images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + att.MimeType + ";base64," + att.Data},
		})
	}
	return parts
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream sends the current context and consumes the SSE response until
// a finish marker or cancellation. Deltas flow through cb as they
// arrive; the assembled assistant turn is stored back into the context
// before returning.
func (c *Client) Stream(ctx context.Context, cb StreamCallbacks) (StreamOutcome, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return StreamOutcome{}, err
	}

	messages, toolDefs := c.snapshot()

	body := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
		"stream":   true,
	}
	if len(toolDefs) > 0 {
		body["tools"] = toolDefs
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return StreamOutcome{}, fmt.Errorf("encode request: %w", err)
	}

	url := joinBasePath(c.cfg.BaseURL, c.cfg.ChatPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return StreamOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", "octovalve-console")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StreamOutcome{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Printf("[openai] model=%s messages=%d tools=%d status=%d elapsed=%s",
		c.cfg.Model, len(messages), len(toolDefs), resp.StatusCode, time.Since(started).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return StreamOutcome{}, fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	return c.consumeStream(ctx, resp.Body, cb)
}

func (c *Client) consumeStream(ctx context.Context, body io.Reader, cb StreamCallbacks) (StreamOutcome, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

	var content strings.Builder
	asm := newCallAssembler()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := stripDataPrefix(line)
		if !ok {
			continue
		}

		if data == "[DONE]" {
			return c.finish(FinishStop, content.String(), asm), nil
		}

		finish := applyChunk(data, &content, asm, cb)
		switch finish {
		case "stop":
			return c.finish(FinishStop, content.String(), asm), nil
		case "tool_calls":
			return c.finish(FinishToolCalls, content.String(), asm), nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return StreamOutcome{}, ctx.Err()
		}
		return StreamOutcome{}, fmt.Errorf("stream error: %w", err)
	}

	// Stream closed without an explicit finish marker.
	return c.finish(FinishEnd, content.String(), asm), nil
}

// finish stores the assistant turn and builds the outcome.
func (c *Client) finish(reason, content string, asm *callAssembler) StreamOutcome {
	calls := asm.calls()
	c.storeAssistant(content, calls)

	out := StreamOutcome{FinishReason: reason, Content: content}
	for _, call := range calls {
		out.ToolCalls = append(out.ToolCalls, CompletedCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}

// applyChunk processes one SSE data payload and returns the chunk's
// finish_reason, if any. Gateways disagree on where reasoning deltas
// live, so both reasoning_content and reasoning are honored.
func applyChunk(data string, content *strings.Builder, asm *callAssembler, cb StreamCallbacks) string {
	choice := gjson.Get(data, "choices.0")
	if !choice.Exists() {
		return ""
	}
	delta := choice.Get("delta")

	if r := delta.Get("reasoning_content"); r.Type == gjson.String && cb.OnReasoning != nil {
		cb.OnReasoning(r.String())
	}
	if r := delta.Get("reasoning"); r.Type == gjson.String && cb.OnReasoning != nil {
		cb.OnReasoning(r.String())
	}

	if t := delta.Get("content"); t.Type == gjson.String && t.String() != "" {
		content.WriteString(t.String())
		if cb.OnText != nil {
			cb.OnText(t.String())
		}
	}

	delta.Get("tool_calls").ForEach(func(_, fragment gjson.Result) bool {
		asm.apply(fragment)
		return true
	})

	return choice.Get("finish_reason").String()
}

func stripDataPrefix(line string) (string, bool) {
	if data, ok := strings.CutPrefix(line, "data: "); ok {
		return data, true
	}
	if data, ok := strings.CutPrefix(line, "data:"); ok {
		return strings.TrimLeft(data, " "), true
	}
	return "", false
}

// joinBasePath joins the configured base URL and endpoint path without
// doubling slashes.
func joinBasePath(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// =============================================================================
// TOOL-CALL ASSEMBLY
// =============================================================================

// callAssembler merges indexed tool-call fragments. The id and name
// arrive on the first fragment for an index; argument text streams in
// across subsequent fragments and is concatenated.
type callAssembler struct {
	byIndex []toolCall
}

func newCallAssembler() *callAssembler {
	return &callAssembler{}
}

func (a *callAssembler) apply(fragment gjson.Result) {
	index := int(fragment.Get("index").Int())
	if index < 0 {
		index = 0
	}
	for len(a.byIndex) <= index {
		a.byIndex = append(a.byIndex, toolCall{Type: "function"})
	}

	if id := fragment.Get("id"); id.Type == gjson.String && id.String() != "" {
		a.byIndex[index].ID = id.String()
	}
	fn := fragment.Get("function")
	if name := fn.Get("name"); name.Type == gjson.String && name.String() != "" {
		a.byIndex[index].Function.Name = name.String()
	}
	if args := fn.Get("arguments"); args.Type == gjson.String {
		a.byIndex[index].Function.Arguments += args.String()
	}
}

func (a *callAssembler) calls() []toolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	out := make([]toolCall, len(a.byIndex))
	copy(out, a.byIndex)
	return out
}
