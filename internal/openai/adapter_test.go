// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/provider"
	"github.com/octovalve/console-core/internal/tools"
)

// eventLog collects handler events and signals terminal transitions.
type eventLog struct {
	mu       sync.Mutex
	events   []provider.Event
	terminal chan provider.Event
}

func newEventLog() *eventLog {
	return &eventLog{terminal: make(chan provider.Event, 4)}
}

func (l *eventLog) handler(ev provider.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()

	switch ev.(type) {
	case provider.CompletedEvent, provider.FailedEvent, provider.CancelledEvent:
		l.terminal <- ev
	}
}

func (l *eventLog) all() []provider.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]provider.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) waitTerminal(t *testing.T) provider.Event {
	t.Helper()
	select {
	case ev := <-l.terminal:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
		return nil
	}
}

func adapterConfig(baseURL string) Config {
	return Config{
		Client: ClientConfig{
			BaseURL:           baseURL,
			APIKey:            "test-key",
			Model:             "test-model",
			RequestsPerMinute: 6000,
		},
		FlushInterval: 5 * time.Millisecond,
	}
}

func TestAdapter_SendBeforeInitialize(t *testing.T) {
	logR := newEventLog()
	a := NewAdapter(adapterConfig("http://unused"), nil, logR.handler)

	session := chat.NewSession(chat.ProviderOpenAI, "")
	err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "hi"})
	if err != provider.ErrNotInitialized {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestAdapter_InitializeValidatesConfig(t *testing.T) {
	logR := newEventLog()
	a := NewAdapter(Config{}, nil, logR.handler)

	_, err := a.Initialize(context.Background())
	if err == nil {
		t.Fatal("missing base URL and model should fail")
	}
	var initErr *provider.InitError
	if !asInitError(err, &initErr) || initErr.Provider != chat.ProviderOpenAI {
		t.Errorf("err = %#v, want InitError for openai", err)
	}
}

func asInitError(err error, target **provider.InitError) bool {
	e, ok := err.(*provider.InitError)
	if ok {
		*target = e
	}
	return ok
}

func TestAdapter_SimpleTurn(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"All targets healthy."}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	logR := newEventLog()
	a := NewAdapter(adapterConfig(srv.URL), nil, logR.handler)
	if _, err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer a.Stop()

	session := chat.NewSession(chat.ProviderOpenAI, "")
	if err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "status?"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if _, ok := logR.waitTerminal(t).(provider.CompletedEvent); !ok {
		t.Fatal("want CompletedEvent")
	}

	events := logR.all()
	var text string
	for _, ev := range events {
		if te, ok := ev.(provider.TextEvent); ok {
			text += te.Delta
		}
	}
	if text != "All targets healthy." {
		t.Errorf("text = %q", text)
	}
	// Text flushes before the terminal event.
	if _, ok := events[len(events)-1].(provider.CompletedEvent); !ok {
		t.Errorf("last event = %#v", events[len(events)-1])
	}
}

func TestAdapter_ToolLoop(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		n := len(bodies)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"list_targets","arguments":"{}"}}]}}]}`+"\n\n")
			fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
			return
		}
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Targets: web-1."}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
	}))
	defer srv.Close()

	invoker := tools.InvokerFunc(func(_ context.Context, name string, _ map[string]any) (any, error) {
		if name != "list_targets" {
			t.Errorf("invoked %q", name)
		}
		return "web-1", nil
	})

	logR := newEventLog()
	cfg := adapterConfig(srv.URL)
	cfg.Tools = tools.ConsoleDefinitions([]string{"web-1"}, true)
	a := NewAdapter(cfg, invoker, logR.handler)
	if _, err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer a.Stop()

	session := chat.NewSession(chat.ProviderOpenAI, "")
	if err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "list targets"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if _, ok := logR.waitTerminal(t).(provider.CompletedEvent); !ok {
		t.Fatal("want CompletedEvent")
	}

	var sawCall, sawReady, sawRunning, sawCompleted, sawTurnStart bool
	for _, ev := range logR.all() {
		switch e := ev.(type) {
		case provider.ToolCallEvent:
			sawCall = e.Call.ID == "call_1" && e.Call.Name == "list_targets" && e.Call.Status == chat.ToolCallPending
		case provider.ToolCallsReadyEvent:
			sawReady = len(e.IDs) == 1 && e.IDs[0] == "call_1"
		case provider.ToolCallUpdateEvent:
			if e.Status == chat.ToolCallRunning {
				sawRunning = true
			}
			if e.Status == chat.ToolCallCompleted && e.ResultDelta == "web-1" {
				sawCompleted = true
			}
		case provider.TurnStartedEvent:
			sawTurnStart = true
		}
	}
	if !sawCall || !sawReady || !sawRunning || !sawCompleted || !sawTurnStart {
		t.Errorf("event coverage: call=%v ready=%v running=%v completed=%v turnStart=%v",
			sawCall, sawReady, sawRunning, sawCompleted, sawTurnStart)
	}

	// The follow-up request carries the tool result.
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("requests = %d, want 2", len(bodies))
	}
	if !strings.Contains(bodies[1], `"tool_call_id":"call_1"`) || !strings.Contains(bodies[1], "web-1") {
		t.Errorf("follow-up body missing tool result: %s", bodies[1])
	}
}

func TestAdapter_ReplayOnSessionSwitch(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
	}))
	defer srv.Close()

	logR := newEventLog()
	a := NewAdapter(adapterConfig(srv.URL), nil, logR.handler)
	if _, err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer a.Stop()

	session := chat.NewSession(chat.ProviderOpenAI, "")
	past := chat.NewMessage(chat.RoleUser, chat.MessageComplete)
	past.Content = "earlier question"
	session.Append(past)
	answer := chat.NewMessage(chat.RoleAssistant, chat.MessageComplete)
	answer.Content = "earlier answer"
	session.Append(answer)
	prompt := chat.NewMessage(chat.RoleUser, chat.MessageComplete)
	prompt.Content = "new question"
	session.Append(prompt)

	if err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "new question"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	logR.waitTerminal(t)

	mu.Lock()
	defer mu.Unlock()
	body := bodies[0]
	for _, want := range []string{"earlier question", "earlier answer", "new question"} {
		if !strings.Contains(body, want) {
			t.Errorf("replayed body missing %q: %s", want, body)
		}
	}
	if strings.Count(body, "new question") != 1 {
		t.Errorf("prompt duplicated in replay: %s", body)
	}
}

func TestReplaySession_ToolTurnsRoundTrip(t *testing.T) {
	session := chat.NewSession(chat.ProviderOpenAI, "")

	ask := chat.NewMessage(chat.RoleUser, chat.MessageComplete)
	ask.Content = "list targets"
	session.Append(ask)

	turn := chat.NewMessage(chat.RoleAssistant, chat.MessageComplete)
	turn.Content = "Checking targets."
	turn.AddToolCall(&chat.ToolCall{
		ID:        "call_1",
		Name:      "list_targets",
		Arguments: map[string]any{"filter": "all"},
		Status:    chat.ToolCallCompleted,
		Result:    "web-1",
	})
	// Retry markers are timeline-only and must not reach the wire.
	turn.AddToolCall(&chat.ToolCall{
		ID:     "retry-1",
		Name:   "retry",
		Status: chat.ToolCallCompleted,
		Result: "rate limited",
	})
	session.Append(turn)

	final := chat.NewMessage(chat.RoleAssistant, chat.MessageComplete)
	final.Content = "Targets: web-1."
	session.Append(final)

	client := NewClient(ClientConfig{BaseURL: "http://unused", Model: "m"})
	replaySession(client, session)

	client.mu.Lock()
	msgs := client.messages
	client.mu.Unlock()

	if len(msgs) != 4 {
		t.Fatalf("messages = %d (%#v), want user, assistant, tool, assistant", len(msgs), msgs)
	}
	asst := msgs[1]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 {
		t.Fatalf("tool turn = %#v", asst)
	}
	call := asst.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "list_targets" {
		t.Errorf("replayed call = %#v", call)
	}
	if !strings.Contains(call.Function.Arguments, `"filter":"all"`) {
		t.Errorf("arguments = %q", call.Function.Arguments)
	}
	result := msgs[2]
	if result.Role != "tool" || result.ToolCallID != "call_1" || result.Content != "web-1" {
		t.Errorf("tool result = %#v", result)
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "Targets: web-1." {
		t.Errorf("final turn = %#v", msgs[3])
	}
}

func TestAdapter_CancelWithoutStream(t *testing.T) {
	logR := newEventLog()
	a := NewAdapter(adapterConfig("http://unused"), nil, logR.handler)

	if err := a.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := logR.waitTerminal(t).(provider.CancelledEvent); !ok {
		t.Fatal("want CancelledEvent")
	}
}

func TestAdapter_CancelDuringStream(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(started)
		// Hold the stream open until the client disconnects.
		<-r.Context().Done()
	}))
	defer srv.Close()

	logR := newEventLog()
	a := NewAdapter(adapterConfig(srv.URL), nil, logR.handler)
	if _, err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer a.Stop()

	session := chat.NewSession(chat.ProviderOpenAI, "")
	if err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	<-started
	if err := a.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := logR.waitTerminal(t).(provider.CancelledEvent); !ok {
		t.Fatal("want CancelledEvent")
	}

	// A second send is allowed once the stream resolves.
	if err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "again"}); err != nil {
		t.Errorf("send after cancel: %v", err)
	}
}

func TestAdapter_StreamGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	logR := newEventLog()
	a := NewAdapter(adapterConfig(srv.URL), nil, logR.handler)
	if _, err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer a.Stop()

	session := chat.NewSession(chat.ProviderOpenAI, "")
	if err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "one"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.SendMessage(context.Background(), session, provider.SendOptions{Text: "two"}); err != provider.ErrStreamInFlight {
		t.Errorf("second send err = %v, want ErrStreamInFlight", err)
	}
}
