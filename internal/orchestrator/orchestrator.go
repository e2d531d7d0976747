// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/provider"
	"github.com/octovalve/console-core/internal/store"
	"github.com/octovalve/console-core/internal/util"
)

// InitState is the provider initialization state.
type InitState string

const (
	StateUninitialized InitState = "uninitialized"
	StateInitializing  InitState = "initializing"
	StateReady         InitState = "ready"
	StateError         InitState = "error"
)

// maxTitleRunes bounds session titles derived from the first prompt.
const maxTitleRunes = 48

// stoppedPlaceholder fills a cancelled message that accumulated no
// content, so cancellation is always visible in the timeline.
const stoppedPlaceholder = "Stopped."

// AdapterFactory builds a provider adapter wired to the given event
// handler. The orchestrator owns the handler so it can tag events with
// their originating provider.
type AdapterFactory func(provider.Handler) provider.Adapter

// Config carries orchestrator settings.
type Config struct {
	// DefaultProvider is the provider activated at startup.
	DefaultProvider chat.Provider

	// AuthMethodID is the preferred ACP auth method, tried
	// opportunistically after initialization when advertised.
	AuthMethodID string
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator wires the session store and the provider adapters
// together behind a single mutation point.
type Orchestrator struct {
	cfg      Config
	sessions *store.Store

	mu               sync.Mutex
	adapters         map[chat.Provider]provider.Adapter
	active           chat.Provider
	state            InitState
	initErr          error
	caps             provider.Capabilities
	streaming        bool
	currentMessageID string
}

// New creates an orchestrator over the given store and adapter
// factories.
func New(sessions *store.Store, cfg Config, factories map[chat.Provider]AdapterFactory) *Orchestrator {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = chat.ProviderACP
	}
	o := &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		adapters: make(map[chat.Provider]provider.Adapter),
		active:   cfg.DefaultProvider,
		state:    StateUninitialized,
	}
	for p, factory := range factories {
		p := p
		o.adapters[p] = factory(func(ev provider.Event) { o.handleEvent(p, ev) })
	}
	return o
}

// =============================================================================
// STATE ACCESS
// =============================================================================

// Provider returns the active provider.
func (o *Orchestrator) Provider() chat.Provider {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// State returns the initialization state of the active provider.
func (o *Orchestrator) State() InitState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// InitErr returns the last initialization error, if the state is
// StateError.
func (o *Orchestrator) InitErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initErr
}

// Streaming reports whether a response is in flight.
func (o *Orchestrator) Streaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// Capabilities returns the active provider's negotiated capabilities.
func (o *Orchestrator) Capabilities() provider.Capabilities {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.caps
}

// Store exposes the session store for read access by the UI layer.
func (o *Orchestrator) Store() *store.Store {
	return o.sessions
}

// =============================================================================
// PROVIDER LIFECYCLE
// =============================================================================

// Initialize brings up the configured default provider.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	target := o.active
	o.mu.Unlock()
	return o.SwitchProvider(ctx, target)
}

// SwitchProvider moves to the target provider: cancel any in-flight
// stream, stop the outgoing adapter, initialize the incoming one, and
// flip the provider pointer only on success. On failure the state is
// StateError with the cause retained; the previous provider stays
// selected (though stopped) so the caller can retry or switch back.
func (o *Orchestrator) SwitchProvider(ctx context.Context, target chat.Provider) error {
	if !target.Valid() {
		return fmt.Errorf("unknown provider %q", target)
	}

	o.mu.Lock()
	if target == o.active && o.state == StateReady {
		o.mu.Unlock()
		return nil
	}
	incoming, ok := o.adapters[target]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("no adapter registered for %q", target)
	}
	outgoing := o.adapters[o.active]
	outgoingID := o.active
	wasStreaming := o.streaming
	o.mu.Unlock()

	// Resolve the in-flight stream before touching adapters. The
	// adapter-side cancel flushes buffered deltas; the local finalize
	// below is the net for adapters that resolve asynchronously.
	if wasStreaming && outgoing != nil {
		if err := outgoing.Cancel(ctx); err != nil {
			log.Printf("[orchestrator] cancel during switch: %v", err)
		}
	}
	o.mu.Lock()
	o.finalizeLocked(chat.MessageCancelled, "provider switch")
	o.state = StateInitializing
	o.mu.Unlock()

	if outgoing != nil {
		if err := outgoing.Stop(); err != nil {
			log.Printf("[orchestrator] stop %s: %v", outgoingID, err)
		}
	}

	caps, err := incoming.Initialize(ctx)
	o.mu.Lock()
	if err != nil {
		o.state = StateError
		o.initErr = err
		o.mu.Unlock()
		return err
	}
	o.active = target
	o.caps = caps
	o.state = StateReady
	o.initErr = nil
	o.mu.Unlock()

	o.maybeAuthenticate(ctx, incoming, caps)
	o.ensureActiveSession(target)
	o.sessions.ScheduleSave()
	return nil
}

// maybeAuthenticate attempts ACP authentication when the negotiated
// capabilities advertise methods. Failure is surfaced in the log only;
// chat may proceed unauthenticated if the backend tolerates it.
func (o *Orchestrator) maybeAuthenticate(ctx context.Context, adapter provider.Adapter, caps provider.Capabilities) {
	auth, ok := adapter.(provider.Authenticator)
	if !ok || len(caps.AuthMethods) == 0 {
		return
	}

	methodID := caps.AuthMethods[0].ID
	for _, m := range caps.AuthMethods {
		if m.ID == o.cfg.AuthMethodID {
			methodID = m.ID
			break
		}
	}
	if err := auth.Authenticate(ctx, methodID); err != nil {
		log.Printf("[orchestrator] auth with %q failed (continuing unauthenticated): %v", methodID, err)
	}
}

// ensureActiveSession makes sure the active session belongs to the
// provider, selecting the first matching session or creating a fresh
// one.
func (o *Orchestrator) ensureActiveSession(p chat.Provider) *chat.Session {
	if active := o.sessions.Active(); active != nil && active.Provider == p {
		return active
	}
	for _, s := range o.sessions.SessionsForProvider(p) {
		if err := o.sessions.SetActive(s.ID); err == nil {
			return s
		}
	}
	return o.sessions.CreateSession(p, "")
}

// Shutdown cancels any in-flight stream, stops every adapter, and
// flushes the store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	adapter := o.adapters[o.active]
	wasStreaming := o.streaming
	o.mu.Unlock()

	if wasStreaming && adapter != nil {
		if err := adapter.Cancel(ctx); err != nil {
			log.Printf("[orchestrator] cancel during shutdown: %v", err)
		}
	}
	o.mu.Lock()
	o.finalizeLocked(chat.MessageCancelled, "shutdown")
	o.mu.Unlock()

	for p, a := range o.adapters {
		if err := a.Stop(); err != nil {
			log.Printf("[orchestrator] stop %s: %v", p, err)
		}
	}
	return o.sessions.Close()
}

// =============================================================================
// SENDING & CANCELLING
// =============================================================================

// SendMessage routes the prompt to the active provider. Rejected while
// a response is streaming or the provider is not ready.
func (o *Orchestrator) SendMessage(ctx context.Context, opts provider.SendOptions) error {
	o.mu.Lock()
	if o.state != StateReady {
		o.mu.Unlock()
		return provider.ErrNotInitialized
	}
	if o.streaming {
		o.mu.Unlock()
		return provider.ErrStreamInFlight
	}
	adapter := o.adapters[o.active]
	active := o.active
	o.mu.Unlock()

	session := o.ensureActiveSession(active)

	o.mu.Lock()
	var placeholderID string
	o.sessions.UpdateSession(session.ID, func(s *chat.Session) {
		user := chat.NewMessage(chat.RoleUser, chat.MessageComplete)
		user.Content = opts.Text
		user.Attachments = opts.Attachments
		s.Append(user)

		if s.Title == "New session" && opts.Text != "" {
			s.Title = util.TruncateRunes(util.FirstLine(opts.Text), maxTitleRunes)
		}

		placeholder := chat.NewMessage(chat.RoleAssistant, chat.MessageStreaming)
		placeholder.Partial = true
		s.Append(placeholder)
		s.Status = chat.SessionRunning
		placeholderID = placeholder.ID
	})
	o.currentMessageID = placeholderID
	o.streaming = true
	o.mu.Unlock()

	o.sessions.ScheduleSave()

	// The adapter works on a snapshot: once events start flowing, the
	// live session is mutated under the store lock while the adapter
	// may still be reading the timeline.
	sent := o.sessions.SnapshotSession(session.ID)
	if sent == nil {
		sent = session
	}
	err := adapter.SendMessage(ctx, sent, opts)

	// ACP assigns the remote session handle during the first send;
	// carry it over to the live session under the lock.
	if remoteID := sent.ACPSessionID; remoteID != "" {
		o.sessions.UpdateSession(session.ID, func(s *chat.Session) {
			if s.ACPSessionID == "" {
				s.ACPSessionID = remoteID
			}
		})
	}

	if err != nil {
		o.mu.Lock()
		o.finalizeLocked(chat.MessageError, err.Error())
		o.mu.Unlock()
		o.sessions.ScheduleSave()
		return err
	}
	return nil
}

// CancelStream asks the active adapter to stop the in-flight response.
// The adapter resolves locally even when the backend cancel fails, so
// the stream always reaches a terminal state.
func (o *Orchestrator) CancelStream(ctx context.Context) error {
	o.mu.Lock()
	if !o.streaming {
		o.mu.Unlock()
		return nil
	}
	adapter := o.adapters[o.active]
	o.mu.Unlock()
	return adapter.Cancel(ctx)
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// NewSession resolves any in-flight stream and creates a fresh active
// session for the current provider.
func (o *Orchestrator) NewSession(ctx context.Context) *chat.Session {
	o.resolveInFlight(ctx, "new session")

	o.mu.Lock()
	p := o.active
	o.mu.Unlock()
	session := o.sessions.CreateSession(p, "")
	o.sessions.ScheduleSave()
	return session
}

// SelectSession switches the active session, resolving any in-flight
// stream first so dangling work cannot write into the new context.
func (o *Orchestrator) SelectSession(ctx context.Context, id string) error {
	o.resolveInFlight(ctx, "session switch")
	return o.sessions.SetActive(id)
}

// DeleteSession removes a session of the active provider. Deleting a
// session of another provider is a no-op.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) {
	o.mu.Lock()
	p := o.active
	adapter := o.adapters[p]
	o.mu.Unlock()

	session := o.sessions.SnapshotSession(id)
	if session == nil || session.Provider != p {
		return
	}

	if o.sessions.ActiveID() == id {
		o.resolveInFlight(ctx, "session deleted")
	}

	// Best-effort remote cleanup for agents that persist sessions.
	if session.ACPSessionID != "" {
		if deleter, ok := adapter.(interface {
			DeleteRemoteSession(context.Context, string) error
		}); ok {
			if err := deleter.DeleteRemoteSession(ctx, session.ACPSessionID); err != nil {
				log.Printf("[orchestrator] remote session delete: %v", err)
			}
		}
	}

	o.sessions.DeleteSessionForProvider(id, p)
}

// ClearSessions removes every session of the active provider.
func (o *Orchestrator) ClearSessions(ctx context.Context) {
	o.resolveInFlight(ctx, "sessions cleared")

	o.mu.Lock()
	p := o.active
	o.mu.Unlock()
	o.sessions.ClearSessionsForProvider(p)
}

// resolveInFlight cancels the stream via the adapter and finalizes
// locally as a net for asynchronous resolution.
func (o *Orchestrator) resolveInFlight(ctx context.Context, reason string) {
	o.mu.Lock()
	wasStreaming := o.streaming
	adapter := o.adapters[o.active]
	o.mu.Unlock()
	if !wasStreaming {
		return
	}

	if adapter != nil {
		if err := adapter.Cancel(ctx); err != nil {
			log.Printf("[orchestrator] cancel (%s): %v", reason, err)
		}
	}
	o.mu.Lock()
	o.finalizeLocked(chat.MessageCancelled, reason)
	o.mu.Unlock()
	o.sessions.ScheduleSave()
}
