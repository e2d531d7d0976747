// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/kv"
)

// Storage keys.
const (
	sessionsKey = "chat-sessions"
	activeKey   = "chat-active-session"
)

// DefaultSaveDebounce batches high-frequency timeline mutations into
// periodic writes.
const DefaultSaveDebounce = 450 * time.Millisecond

// =============================================================================
// STORE
// =============================================================================

// Store owns the ordered session collection and its persistence.
//
// Mutations mark the store dirty and schedule a debounced save;
// SaveNow flushes synchronously for shutdown paths.
type Store struct {
	kv       kv.Store
	debounce time.Duration

	mu       sync.Mutex
	sessions []*chat.Session
	activeID string
	timer    *time.Timer
}

// New creates a store persisting through backend. A zero debounce
// selects the default.
func New(backend kv.Store, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	return &Store{kv: backend, debounce: debounce}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reconstructs the collection from storage. Missing or corrupted
// data falls back to an empty collection; startup never fails on bad
// persisted state.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(sessionsKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Printf("[store] load failed, starting empty: %v", err)
		}
		return
	}

	var sessions []*chat.Session
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		log.Printf("[store] corrupted session data, starting empty: %v", err)
		return
	}
	s.sessions = sessions

	active, err := s.kv.Get(activeKey)
	if err == nil && s.findLocked(active) != nil {
		s.activeID = active
	} else if len(s.sessions) > 0 {
		s.activeID = s.sessions[0].ID
	}
}

// =============================================================================
// READ ACCESS
// =============================================================================

// Sessions returns the collection in order.
func (s *Store) Sessions() []*chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chat.Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// SessionsForProvider returns the sessions belonging to provider, in
// order.
func (s *Store) SessionsForProvider(provider chat.Provider) []*chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chat.Session
	for _, session := range s.sessions {
		if session.Provider == provider {
			out = append(out, session)
		}
	}
	return out
}

// Session returns the session with the given id, or nil.
func (s *Store) Session(id string) *chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

// Active returns the active session, or nil when none is selected.
func (s *Store) Active() *chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(s.activeID)
}

func (s *Store) findLocked(id string) *chat.Session {
	if id == "" {
		return nil
	}
	for _, session := range s.sessions {
		if session.ID == id {
			return session
		}
	}
	return nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// CreateSession allocates a session for provider, appends it, and
// makes it active.
func (s *Store) CreateSession(provider chat.Provider, title string) *chat.Session {
	session := chat.NewSession(provider, title)

	s.mu.Lock()
	s.sessions = append(s.sessions, session)
	s.activeID = session.ID
	s.mu.Unlock()

	s.ScheduleSave()
	return session
}

// SetActive selects the session with the given id. Unknown ids are
// rejected.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(id) == nil {
		return fmt.Errorf("unknown session %s", id)
	}
	s.activeID = id
	return nil
}

// RenameSession sets a session's title.
func (s *Store) RenameSession(id, title string) {
	s.mu.Lock()
	if session := s.findLocked(id); session != nil {
		session.Title = title
		session.Touch()
	}
	s.mu.Unlock()
	s.ScheduleSave()
}

// DeleteSession removes a session. When the active session is deleted,
// activation falls back to the first remaining session of the same
// provider, or a fresh session for that provider when none remain.
// Returns the session that is active afterwards.
func (s *Store) DeleteSession(id string) *chat.Session {
	s.mu.Lock()
	deleted := s.removeLocked(id)
	if deleted == nil {
		active := s.findLocked(s.activeID)
		s.mu.Unlock()
		return active
	}

	if s.activeID == id {
		s.activeID = ""
		for _, session := range s.sessions {
			if session.Provider == deleted.Provider {
				s.activeID = session.ID
				break
			}
		}
		if s.activeID == "" {
			fresh := chat.NewSession(deleted.Provider, "")
			s.sessions = append(s.sessions, fresh)
			s.activeID = fresh.ID
		}
	}
	active := s.findLocked(s.activeID)
	s.mu.Unlock()

	s.ScheduleSave()
	return active
}

// DeleteSessionForProvider deletes the session only when it belongs to
// provider. A mismatch is a no-op, guarding against cross-provider
// deletion from a provider-filtered list.
func (s *Store) DeleteSessionForProvider(id string, provider chat.Provider) *chat.Session {
	s.mu.Lock()
	session := s.findLocked(id)
	if session == nil || session.Provider != provider {
		active := s.findLocked(s.activeID)
		s.mu.Unlock()
		return active
	}
	s.mu.Unlock()
	return s.DeleteSession(id)
}

// ClearSessionsForProvider removes every session belonging to
// provider. When the active session was among them, activation falls
// back to the first remaining session, or none.
func (s *Store) ClearSessionsForProvider(provider chat.Provider) {
	s.mu.Lock()
	kept := s.sessions[:0]
	activeCleared := false
	for _, session := range s.sessions {
		if session.Provider == provider {
			if session.ID == s.activeID {
				activeCleared = true
			}
			continue
		}
		kept = append(kept, session)
	}
	s.sessions = kept
	if activeCleared {
		s.activeID = ""
		if len(s.sessions) > 0 {
			s.activeID = s.sessions[0].ID
		}
	}
	s.mu.Unlock()

	s.ScheduleSave()
}

func (s *Store) removeLocked(id string) *chat.Session {
	for i, session := range s.sessions {
		if session.ID == id {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return session
		}
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// ScheduleSave arranges a debounced save. Repeated calls within the
// debounce window collapse into one write.
func (s *Store) ScheduleSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Reset(s.debounce)
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.SaveNow(); err != nil {
			log.Printf("[store] scheduled save failed: %v", err)
		}
	})
}

// SaveNow persists immediately, cancelling any pending scheduled save.
func (s *Store) SaveNow() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	payload, err := json.Marshal(stripForPersistence(s.sessions))
	activeID := s.activeID
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	if err := s.kv.Set(sessionsKey, string(payload)); err != nil {
		return fmt.Errorf("persist sessions: %w", err)
	}
	if err := s.kv.Set(activeKey, activeID); err != nil {
		return fmt.Errorf("persist active session: %w", err)
	}
	return nil
}

// Close flushes and releases the debounce timer.
func (s *Store) Close() error {
	return s.SaveNow()
}

// stripForPersistence copies the collection with large attachment
// payloads removed, bounding storage size. Message text, tool calls,
// and plans persist unchanged.
func stripForPersistence(sessions []*chat.Session) []*chat.Session {
	out := make([]*chat.Session, len(sessions))
	for i, session := range sessions {
		copySession := *session
		copySession.Messages = make([]*chat.Message, len(session.Messages))
		for j, msg := range session.Messages {
			copyMsg := *msg
			if len(msg.Attachments) > 0 {
				copyMsg.Attachments = make([]chat.Attachment, len(msg.Attachments))
				for k, att := range msg.Attachments {
					att.Data = ""
					att.Preview = ""
					copyMsg.Attachments[k] = att
				}
			}
			copySession.Messages[j] = &copyMsg
		}
		out[i] = &copySession
	}
	return out
}
