// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// =============================================================================
// RESULT PARSING TESTS
// =============================================================================

func TestParseToolResult_FirstTextEntry(t *testing.T) {
	raw := json.RawMessage(`{"content":[
		{"type":"image","data":"..."},
		{"type":"text","text":"web-1: ok"},
		{"type":"text","text":"ignored"}]}`)
	got, err := parseToolResult(raw)
	if err != nil {
		t.Fatalf("parseToolResult: %v", err)
	}
	if got != "web-1: ok" {
		t.Errorf("got %q, want web-1: ok", got)
	}
}

func TestParseToolResult_IsError(t *testing.T) {
	raw := json.RawMessage(`{"isError":true,"content":[{"type":"text","text":"target offline"}]}`)
	_, err := parseToolResult(raw)
	if err == nil || !strings.Contains(err.Error(), "target offline") {
		t.Errorf("err = %v, want target offline", err)
	}
}

func TestParseToolResult_IsErrorWithoutText(t *testing.T) {
	_, err := parseToolResult(json.RawMessage(`{"isError":true}`))
	if err == nil || !strings.Contains(err.Error(), "tool execution failed") {
		t.Errorf("err = %v, want generic failure text", err)
	}
}

func TestParseToolResult_NoTextFallsBackToRaw(t *testing.T) {
	raw := json.RawMessage(`{"structuredContent":{"count":3}}`)
	got, err := parseToolResult(raw)
	if err != nil {
		t.Fatalf("parseToolResult: %v", err)
	}
	if got != string(raw) {
		t.Errorf("got %q, want raw result", got)
	}
}

// =============================================================================
// TOOL ADVERTISEMENT TESTS
// =============================================================================

func TestSupports_KnownAndUnknown(t *testing.T) {
	c := &Client{toolNames: map[string]bool{"run_command": true}}
	if !c.Supports("run_command") {
		t.Error("run_command should be supported")
	}
	if c.Supports("reboot") {
		t.Error("reboot should not be supported")
	}
}

func TestSupports_EmptyListAcceptsAny(t *testing.T) {
	c := &Client{}
	if !c.Supports("anything") {
		t.Error("empty tool list should accept any name")
	}
}

// =============================================================================
// INVOKER LIFECYCLE TESTS
// =============================================================================

func TestInvoker_UnconfiguredFails(t *testing.T) {
	inv := NewInvoker("", nil)
	_, err := inv.Invoke(context.Background(), "run_command", map[string]any{"target": "web-1"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestInvoker_ConfigureStopsOnCommandChange(t *testing.T) {
	client := &Client{pending: map[uint64]chan rpcResult{}}
	inv := NewInvoker("octovalve-proxy", []string{"--stdio"})
	inv.client = client

	// Identical config keeps the running server.
	inv.Configure("octovalve-proxy", []string{"--stdio"})
	if inv.client != client || !client.Alive() {
		t.Fatal("unchanged config should keep the client")
	}

	inv.Configure("octovalve-proxy", []string{"--stdio", "--verbose"})
	if inv.client != nil {
		t.Error("changed args should drop the client")
	}
	if client.Alive() {
		t.Error("dropped client should be stopped")
	}
}

func TestInvoker_ConfigureWhileIdle(t *testing.T) {
	inv := NewInvoker("", nil)
	inv.Configure("octovalve-proxy", nil)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.command != "octovalve-proxy" {
		t.Errorf("command = %q", inv.command)
	}
}
