// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"github.com/octovalve/console-core/internal/chat"
)

// =============================================================================
// LOCKED MUTATION
// =============================================================================

// UpdateActive runs fn on the active session while holding the store
// lock. Timeline mutation goes through here (or UpdateSession) so the
// view accessors and the persistence marshal never observe a write in
// progress. Returns false when no session is active.
func (s *Store) UpdateActive(fn func(*chat.Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.findLocked(s.activeID)
	if session == nil {
		return false
	}
	fn(session)
	return true
}

// UpdateSession runs fn on the session with the given id under the
// store lock. Returns false when the session does not exist.
func (s *Store) UpdateSession(id string, fn func(*chat.Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.findLocked(id)
	if session == nil {
		return false
	}
	fn(session)
	return true
}

// =============================================================================
// COPIED VIEWS
// =============================================================================

// ToolCallView is a copied tool-call summary.
type ToolCallView struct {
	ID     string
	Name   string
	Status chat.ToolCallStatus
}

// MessageView is a copy of one message's renderable state, safe to use
// without holding the store lock.
type MessageView struct {
	ID        string
	Role      chat.Role
	Status    chat.MessageStatus
	Content   string
	ToolCalls []ToolCallView
}

// SessionSummary is a copied session header for list rendering.
type SessionSummary struct {
	ID       string
	Title    string
	Provider chat.Provider
	Messages int
}

// ActiveID returns the id of the active session, or "" when none is
// selected.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// ActiveAssistantView returns a copy of the newest assistant message in
// the active session. Render loops poll this instead of reading the
// live message, which the event stream keeps mutating.
func (s *Store) ActiveAssistantView() (MessageView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.findLocked(s.activeID)
	if session == nil {
		return MessageView{}, false
	}
	for i := len(session.Messages) - 1; i >= 0; i-- {
		m := session.Messages[i]
		if m.Role != chat.RoleAssistant {
			continue
		}
		view := MessageView{
			ID:      m.ID,
			Role:    m.Role,
			Status:  m.Status,
			Content: m.Content,
		}
		for _, c := range m.ToolCalls {
			view.ToolCalls = append(view.ToolCalls, ToolCallView{ID: c.ID, Name: c.Name, Status: c.Status})
		}
		return view, true
	}
	return MessageView{}, false
}

// SummariesForProvider returns copied session headers for provider, in
// collection order.
func (s *Store) SummariesForProvider(provider chat.Provider) []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SessionSummary
	for _, session := range s.sessions {
		if session.Provider != provider {
			continue
		}
		out = append(out, SessionSummary{
			ID:       session.ID,
			Title:    session.Title,
			Provider: session.Provider,
			Messages: len(session.Messages),
		})
	}
	return out
}

// SnapshotSession returns a copy of the session with messages and tool
// calls copied, or nil when the session does not exist. Adapters read
// the snapshot freely while the live session keeps changing; the ACP
// remote-id assignment is the only field written back, and the caller
// applies it under the lock.
func (s *Store) SnapshotSession(id string) *chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.findLocked(id)
	if session == nil {
		return nil
	}
	copySession := *session
	copySession.Messages = make([]*chat.Message, len(session.Messages))
	for i, m := range session.Messages {
		copyMsg := *m
		if len(m.ToolCalls) > 0 {
			copyMsg.ToolCalls = make([]*chat.ToolCall, len(m.ToolCalls))
			for j, c := range m.ToolCalls {
				copyCall := *c
				copyMsg.ToolCalls[j] = &copyCall
			}
		}
		copySession.Messages[i] = &copyMsg
	}
	return &copySession
}
