// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package acp implements the Agent Client Protocol backend.
package acp

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/provider"
)

// clientVersion is reported to the agent during initialize.
const clientVersion = "0.3.0"

// =============================================================================
// CONFIG
// =============================================================================

// Config describes how to launch and drive the agent process.
type Config struct {
	// Command is the agent binary (e.g. codex-acp); Args are passed
	// through verbatim.
	Command string
	Args    []string

	// Cwd is the working directory reported when creating remote
	// sessions.
	Cwd string

	// McpServers is forwarded to session/new and session/load so the
	// agent can reach the console's tool proxy.
	McpServers []any

	// FlushInterval overrides the streaming-delta flush cadence.
	FlushInterval time.Duration
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter drives an ACP agent process and normalizes its event stream
// into provider events.
type Adapter struct {
	cfg     Config
	handler provider.Handler
	buffer  *provider.Buffer

	mu             sync.Mutex
	client         *Client
	caps           provider.Capabilities
	activeRemoteID string // remote session receiving events
	loadedRemoteID string // remote session last created/loaded on the agent
}

// NewAdapter creates an adapter delivering normalized events to
// handler.
func NewAdapter(cfg Config, handler provider.Handler) *Adapter {
	a := &Adapter{cfg: cfg, handler: handler}
	a.buffer = provider.NewBuffer(handler, cfg.FlushInterval)
	return a
}

// ID implements provider.Adapter.
func (a *Adapter) ID() chat.Provider { return chat.ProviderACP }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Initialize starts the agent process and negotiates capabilities.
func (a *Adapter) Initialize(ctx context.Context) (provider.Capabilities, error) {
	a.Stop()

	client, err := StartClient(a.cfg.Command, a.cfg.Args, a.handleNotify)
	if err != nil {
		return provider.Capabilities{}, &provider.InitError{Provider: chat.ProviderACP, Err: err}
	}

	params := initializeParams{
		ProtocolVersion: "1",
		ClientCapabilities: clientCapabilities{
			Prompt: promptCapabilities{EmbeddedContext: true, Image: true},
		},
		ClientInfo: clientInfo{Name: "octovalve-console", Version: clientVersion},
	}
	raw, err := client.Call(ctx, "initialize", params)
	if err != nil {
		client.Stop()
		return provider.Capabilities{}, &provider.InitError{Provider: chat.ProviderACP, Err: err}
	}

	caps := parseCapabilities(raw)

	a.mu.Lock()
	a.client = client
	a.caps = caps
	a.activeRemoteID = ""
	a.loadedRemoteID = ""
	a.mu.Unlock()

	a.buffer.Start()
	return caps, nil
}

// parseCapabilities reads the initialize result tolerantly: agents
// disagree on promptCapabilities vs prompt, and protocolVersion may be
// a string or a number.
func parseCapabilities(raw json.RawMessage) provider.Capabilities {
	root := gjson.ParseBytes(raw)
	caps := provider.Capabilities{}

	agentCaps := root.Get("agentCapabilities")
	prompt := agentCaps.Get("promptCapabilities")
	if !prompt.Exists() {
		prompt = agentCaps.Get("prompt")
	}
	caps.Image = prompt.Get("image").Bool()
	caps.EmbeddedContext = prompt.Get("embeddedContext").Bool()
	caps.LoadSession = agentCaps.Get("loadSession").Bool()

	root.Get("authMethods").ForEach(func(_, m gjson.Result) bool {
		caps.AuthMethods = append(caps.AuthMethods, provider.AuthMethod{
			ID:          m.Get("id").String(),
			Name:        m.Get("name").String(),
			Description: m.Get("description").String(),
		})
		return true
	})

	if info := root.Get("agentInfo"); info.Exists() {
		caps.Agent = &provider.AgentInfo{
			Name:    info.Get("name").String(),
			Version: info.Get("version").String(),
			Title:   info.Get("title").String(),
		}
	}
	return caps
}

// Authenticate implements provider.Authenticator.
func (a *Adapter) Authenticate(ctx context.Context, methodID string) error {
	client := a.currentClient()
	if client == nil {
		return provider.ErrNotInitialized
	}
	_, err := client.Call(ctx, "authenticate", authenticateParams{MethodID: methodID})
	return err
}

// Stop tears the agent process down. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.activeRemoteID = ""
	a.loadedRemoteID = ""
	a.mu.Unlock()

	if client != nil {
		a.buffer.Stop()
		client.Stop()
	}
	return nil
}

func (a *Adapter) currentClient() *Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// =============================================================================
// SENDING
// =============================================================================

// SendMessage ensures the session has a remote handle, then dispatches
// the prompt asynchronously; deltas arrive through the notification
// stream.
func (a *Adapter) SendMessage(ctx context.Context, session *chat.Session, opts provider.SendOptions) error {
	client := a.currentClient()
	if client == nil {
		return provider.ErrNotInitialized
	}

	if err := a.ensureRemoteSession(ctx, client, session); err != nil {
		return err
	}

	a.mu.Lock()
	a.activeRemoteID = session.ACPSessionID
	caps := a.caps
	a.mu.Unlock()

	params := promptParams{
		SessionID: session.ACPSessionID,
		Prompt:    buildPrompt(opts, caps),
	}
	if caps.EmbeddedContext {
		for _, item := range opts.Context {
			params.Context = append(params.Context, contextItem{Type: item.Type, Data: item.Data})
		}
	}
	return client.CallAsync("session/prompt", params)
}

// ensureRemoteSession creates the remote session on first send, or
// reloads history when the agent supports it and the locally-loaded
// session differs from the target (avoids redundant reloads).
func (a *Adapter) ensureRemoteSession(ctx context.Context, client *Client, session *chat.Session) error {
	if session.ACPSessionID == "" {
		raw, err := client.Call(ctx, "session/new", newSessionParams{
			Cwd:        a.cfg.Cwd,
			McpServers: a.mcpServers(),
		})
		if err != nil {
			return err
		}
		id := gjson.GetBytes(raw, "sessionId").String()
		if id == "" {
			id = gjson.GetBytes(raw, "session_id").String()
		}
		session.ACPSessionID = id
		a.mu.Lock()
		a.loadedRemoteID = id
		a.mu.Unlock()
		return nil
	}

	a.mu.Lock()
	needsLoad := a.caps.LoadSession && a.loadedRemoteID != session.ACPSessionID
	a.mu.Unlock()
	if !needsLoad {
		return nil
	}

	_, err := client.Call(ctx, "session/load", loadSessionParams{
		SessionID:  session.ACPSessionID,
		McpServers: a.mcpServers(),
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.loadedRemoteID = session.ACPSessionID
	a.mu.Unlock()
	return nil
}

func (a *Adapter) mcpServers() []any {
	if a.cfg.McpServers == nil {
		return []any{}
	}
	return a.cfg.McpServers
}

// buildPrompt converts the unified prompt into content blocks,
// dropping image attachments the agent did not negotiate.
func buildPrompt(opts provider.SendOptions, caps provider.Capabilities) []contentBlock {
	blocks := []contentBlock{{Type: "text", Text: opts.Text}}
	if !caps.Image {
		return blocks
	}
	for _, att := range opts.Attachments {
		if att.Data == "" {
			continue
		}
		blocks = append(blocks, contentBlock{
			Type:     "image",
			Data:     att.Data,
			MimeType: att.MimeType,
		})
	}
	return blocks
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel requests a backend stop, then resolves locally regardless of
// the backend outcome: buffered deltas are flushed and the cancelled
// event is emitted even if the agent never acknowledges.
func (a *Adapter) Cancel(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	remoteID := a.activeRemoteID
	a.mu.Unlock()

	if client != nil && remoteID != "" {
		if err := client.CallAsync("session/cancel", cancelParams{SessionID: remoteID}); err != nil {
			log.Printf("[acp] backend cancel failed: %v", err)
		}
	}

	a.buffer.Flush()
	a.handler(provider.CancelledEvent{})
	return nil
}

// =============================================================================
// REMOTE SESSION MAINTENANCE
// =============================================================================

// DeleteRemoteSession asks the agent to forget a remote session.
// Best-effort: agents without session persistence return an error the
// caller may ignore.
func (a *Adapter) DeleteRemoteSession(ctx context.Context, remoteID string) error {
	client := a.currentClient()
	if client == nil {
		return provider.ErrNotInitialized
	}
	_, err := client.Call(ctx, "session/delete", deleteSessionParams{SessionID: remoteID})
	return err
}

// =============================================================================
// INBOUND EVENTS
// =============================================================================

// accept applies session-id affinity: an event without a session id is
// accepted only during first-session bootstrap (no active remote id);
// a mismatched id means cross-talk from another logical session and is
// dropped.
func (a *Adapter) accept(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sessionID == "" {
		return a.activeRemoteID == ""
	}
	return sessionID == a.activeRemoteID
}

func (a *Adapter) handleNotify(method string, params json.RawMessage) {
	switch method {
	case "session/update":
		a.handleUpdate(params)

	case "prompt/complete":
		stopReason := gjson.GetBytes(params, "stopReason").String()
		a.buffer.Flush()
		if stopReason == "cancelled" {
			a.handler(provider.CancelledEvent{})
		} else {
			a.handler(provider.CompletedEvent{StopReason: stopReason})
		}

	case "prompt/error":
		a.buffer.Flush()
		a.handler(provider.FailedEvent{Message: gjson.GetBytes(params, "message").String()})
	}
}

func (a *Adapter) handleUpdate(params json.RawMessage) {
	u := normalizeUpdate(params)
	if !a.accept(u.SessionID) {
		return
	}

	switch u.Kind {
	case updateMessageChunk:
		a.buffer.AppendText(u.Text)

	case updateThoughtChunk:
		a.buffer.AppendReasoning(u.Text)

	case updateToolCall:
		// Structural events flush first so buffered deltas keep their
		// place ahead of the tool-call marker.
		a.buffer.Flush()
		a.handler(provider.ToolCallEvent{Call: chat.ToolCall{
			ID:        u.ToolCallID,
			Name:      u.ToolName,
			Arguments: u.ToolArgs,
			Status:    u.ToolStatus,
		}})

	case updateToolCallUpdate:
		a.buffer.Flush()
		a.handler(provider.ToolCallUpdateEvent{
			ID:          u.ToolCallID,
			Name:        u.ToolName,
			Status:      u.ToolStatus,
			ResultDelta: u.Text,
		})

	case updateRetry:
		a.buffer.Flush()
		a.handler(provider.RetryEvent{Attempt: u.Attempt, Message: u.Text})

	case updatePlan:
		a.handler(provider.PlanEvent{Entries: u.Plan})

	case updateTaskComplete:
		a.buffer.Flush()
		a.handler(provider.CompletedEvent{StopReason: u.StopReason})

	case updateError:
		a.buffer.Flush()
		a.handler(provider.FailedEvent{Message: u.Text})
	}
}
