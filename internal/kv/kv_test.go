// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package kv

import (
	"errors"
	"path/filepath"
	"testing"
)

// runStoreTests exercises the Store contract shared by every backend.
func runStoreTests(t *testing.T, s Store) {
	t.Helper()

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	if err := s.Set("sessions", `{"v":1}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, err := s.Get("sessions")
	if err != nil || value != `{"v":1}` {
		t.Errorf("Get = %q, %v", value, err)
	}

	// Overwrite.
	if err := s.Set("sessions", `{"v":2}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if value, _ := s.Get("sessions"); value != `{"v":2}` {
		t.Errorf("Get after overwrite = %q", value)
	}

	if err := s.Delete("sessions"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("sessions"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is a no-op.
	if err := s.Delete("missing"); err != nil {
		t.Errorf("Delete missing = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreTests(t, s)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestFileStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := s.Set("active", "session-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Close()

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if value, _ := reopened.Get("active"); value != "session-1" {
		t.Errorf("value after reopen = %q", value)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Set("active", "session-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if value, _ := reopened.Get("active"); value != "session-1" {
		t.Errorf("value after reopen = %q", value)
	}
}
