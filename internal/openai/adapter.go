// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/provider"
	"github.com/octovalve/console-core/internal/tools"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config describes the OpenAI-compatible backend.
type Config struct {
	Client ClientConfig

	// SystemPrompt is injected at position zero of every request.
	SystemPrompt string

	// Tools are the schemas advertised to the model. May be replaced
	// later via SetTools once console targets are known.
	Tools []tools.Definition

	// MaxConcurrentTools bounds parallel tool execution within a batch.
	MaxConcurrentTools int

	// FlushInterval overrides the streaming-delta flush cadence.
	FlushInterval time.Duration
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter drives the completions endpoint and executes tool batches
// through the invoker, issuing automatic follow-up turns with the
// results.
//
// The adapter expects the session to already contain the prompt being
// sent: the orchestrator appends the user message before calling
// SendMessage, so a full replay after a session switch reproduces the
// exact context.
type Adapter struct {
	cfg     Config
	invoker tools.Invoker
	handler provider.Handler
	buffer  *provider.Buffer

	mu              sync.Mutex
	client          *Client
	executor        *tools.Executor
	syncedSessionID string
	cancelStream    context.CancelFunc
}

// NewAdapter creates an adapter delivering normalized events to
// handler. Tool calls are executed through invoker.
func NewAdapter(cfg Config, invoker tools.Invoker, handler provider.Handler) *Adapter {
	a := &Adapter{cfg: cfg, invoker: invoker, handler: handler}
	a.buffer = provider.NewBuffer(handler, cfg.FlushInterval)
	return a
}

// ID implements provider.Adapter.
func (a *Adapter) ID() chat.Provider { return chat.ProviderOpenAI }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Initialize validates the endpoint config and builds the client. No
// network round trip happens here; a bad endpoint surfaces on the
// first send.
func (a *Adapter) Initialize(ctx context.Context) (provider.Capabilities, error) {
	a.Stop()

	if a.cfg.Client.BaseURL == "" || a.cfg.Client.Model == "" {
		err := fmt.Errorf("base URL and model are required")
		return provider.Capabilities{}, &provider.InitError{Provider: chat.ProviderOpenAI, Err: err}
	}

	client := NewClient(a.cfg.Client)
	client.SetSystemPrompt(a.cfg.SystemPrompt)
	client.SetTools(a.cfg.Tools)

	a.mu.Lock()
	a.client = client
	a.executor = tools.NewExecutor(a.invoker, a.cfg.MaxConcurrentTools)
	a.syncedSessionID = ""
	a.mu.Unlock()

	a.buffer.Start()
	return provider.Capabilities{Image: true, EmbeddedContext: true}, nil
}

// SetTools replaces the advertised tool schemas, e.g. after the
// console target list is refreshed.
func (a *Adapter) SetTools(defs []tools.Definition) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		client.SetTools(defs)
	}
}

// Stop tears the backend state down. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel := a.cancelStream
	running := a.client != nil
	a.client = nil
	a.executor = nil
	a.syncedSessionID = ""
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running {
		a.buffer.Stop()
	}
	return nil
}

// =============================================================================
// SENDING
// =============================================================================

// SendMessage appends the prompt to the linear context (or rebuilds
// the context after a session switch) and starts the streaming turn
// loop. Returns immediately; events arrive through the handler.
func (a *Adapter) SendMessage(ctx context.Context, session *chat.Session, opts provider.SendOptions) error {
	a.mu.Lock()
	client := a.client
	executor := a.executor
	if client == nil {
		a.mu.Unlock()
		return provider.ErrNotInitialized
	}
	if a.cancelStream != nil {
		a.mu.Unlock()
		return provider.ErrStreamInFlight
	}

	if session.ID != a.syncedSessionID {
		client.ClearMessages()
		replaySession(client, session)
		a.syncedSessionID = session.ID
		if !endsWithUserText(session, opts.Text) {
			client.AddUserMessage(opts.Text, opts.Attachments, opts.Context)
		}
	} else {
		client.AddUserMessage(opts.Text, opts.Attachments, opts.Context)
	}

	// The stream outlives the send call; its lifetime is controlled by
	// Cancel and Stop, not the caller's context.
	streamCtx, cancel := context.WithCancel(context.Background())
	a.cancelStream = cancel
	a.mu.Unlock()

	go a.runTurns(streamCtx, cancel, client, executor)
	return nil
}

// replaySession rebuilds the linear context from the session timeline.
// Streaming placeholders are skipped.
func replaySession(client *Client, session *chat.Session) {
	for _, m := range session.Messages {
		if !m.Status.Terminal() {
			continue
		}
		switch m.Role {
		case chat.RoleUser:
			client.AddUserMessage(m.Content, m.Attachments, nil)
		case chat.RoleAssistant:
			replayAssistant(client, m)
		}
	}
}

// replayAssistant restores one assistant turn. Turns that ran tools are
// replayed as the assistant message carrying its tool_calls followed by
// one role:tool message per settled result, so the rebuilt context
// matches what the endpoint saw the first time. Retry markers are local
// timeline annotations and are not sent back.
func replayAssistant(client *Client, m *chat.Message) {
	var calls []toolCall
	var settled []*chat.ToolCall
	for _, c := range m.ToolCalls {
		if c.Name == "retry" {
			continue
		}
		args := "{}"
		if len(c.Arguments) > 0 {
			if data, err := json.Marshal(c.Arguments); err == nil {
				args = string(data)
			}
		}
		calls = append(calls, toolCall{
			ID:       c.ID,
			Type:     "function",
			Function: functionCall{Name: c.Name, Arguments: args},
		})
		settled = append(settled, c)
	}

	if len(calls) == 0 {
		client.AddAssistantMessage(m.Content)
		return
	}
	client.storeAssistant(m.Content, calls)
	for _, c := range settled {
		client.AddToolResult(c.ID, c.Result)
	}
}

// endsWithUserText reports whether the last terminal message is a user
// turn carrying exactly this text.
func endsWithUserText(session *chat.Session, text string) bool {
	for i := len(session.Messages) - 1; i >= 0; i-- {
		m := session.Messages[i]
		if !m.Status.Terminal() {
			continue
		}
		return m.Role == chat.RoleUser && m.Content == text
	}
	return false
}

// =============================================================================
// TURN LOOP
// =============================================================================

// runTurns streams completion turns until the model stops, fails, or
// is cancelled. A tool_calls finish executes the batch and continues
// with a follow-up turn.
func (a *Adapter) runTurns(ctx context.Context, cancel context.CancelFunc, client *Client, executor *tools.Executor) {
	// Release the stream slot before the terminal event so a caller
	// reacting to it can send immediately.
	terminal := func(ev provider.Event) {
		cancel()
		a.mu.Lock()
		a.cancelStream = nil
		a.mu.Unlock()
		a.handler(ev)
	}

	for {
		outcome, err := client.Stream(ctx, StreamCallbacks{
			OnText:      a.buffer.AppendText,
			OnReasoning: a.buffer.AppendReasoning,
		})
		if err != nil {
			a.buffer.Flush()
			if errors.Is(err, context.Canceled) {
				terminal(provider.CancelledEvent{})
			} else {
				terminal(provider.FailedEvent{Message: err.Error()})
			}
			return
		}

		if outcome.FinishReason != FinishToolCalls {
			a.buffer.Flush()
			terminal(provider.CompletedEvent{StopReason: "end_turn"})
			return
		}

		if aborted := a.runToolBatch(ctx, client, executor, outcome.ToolCalls); aborted {
			terminal(provider.CancelledEvent{})
			return
		}
		a.handler(provider.TurnStartedEvent{})
	}
}

// runToolBatch announces the batch, executes it, and folds the results
// into the context for the follow-up turn.
func (a *Adapter) runToolBatch(ctx context.Context, client *Client, executor *tools.Executor, calls []CompletedCall) (aborted bool) {
	// Deltas buffered before the batch marker flush first so ordering
	// survives.
	a.buffer.Flush()

	batch := make([]tools.Request, 0, len(calls))
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		a.handler(provider.ToolCallEvent{Call: chat.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: tools.ParseArguments(call.Arguments),
			Status:    chat.ToolCallPending,
		}})
		batch = append(batch, tools.Request{ID: call.ID, Name: call.Name, RawArguments: call.Arguments})
		ids = append(ids, call.ID)
	}
	a.handler(provider.ToolCallsReadyEvent{IDs: ids})

	results, aborted := executor.Run(ctx, batch, nil, func(r tools.Result) {
		a.handler(provider.ToolCallUpdateEvent{
			ID:          r.ID,
			Name:        r.Name,
			Status:      r.Status,
			ResultDelta: r.Text,
		})
	})

	for _, r := range results {
		client.AddToolResult(r.ID, r.Text)
	}
	return aborted
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel aborts the in-flight turn loop. The loop flushes buffered
// deltas and emits the cancelled event; when nothing is streaming the
// event is emitted directly so the caller always observes a terminal
// transition.
func (a *Adapter) Cancel(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancelStream
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}

	a.buffer.Flush()
	a.handler(provider.CancelledEvent{})
	return nil
}
