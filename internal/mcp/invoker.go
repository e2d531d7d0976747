// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
)

// ErrNotConfigured indicates no server command has been set; command
// tools are advertised only when one is.
var ErrNotConfigured = errors.New("mcp bridge not configured")

// Invoker routes tool invocations to the MCP server, starting it on
// first use and restarting it when the command changes or the
// transport dies. Implements tools.Invoker.
type Invoker struct {
	mu      sync.Mutex
	command string
	args    []string
	client  *Client
}

// NewInvoker creates a bridge for the given server command. An empty
// command leaves the bridge unconfigured; every invocation then fails
// with ErrNotConfigured until Configure supplies one.
func NewInvoker(command string, args []string) *Invoker {
	return &Invoker{
		command: command,
		args:    slices.Clone(args),
	}
}

// Configure swaps the server command, typically on a config reload. A
// running server built from a different command is stopped; the next
// invocation starts a fresh one.
func (i *Invoker) Configure(command string, args []string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if command == i.command && slices.Equal(args, i.args) {
		return
	}
	i.command = command
	i.args = slices.Clone(args)
	if i.client != nil {
		log.Printf("[mcp] server command changed, restarting on next use")
		i.client.Stop()
		i.client = nil
	}
}

// Invoke implements tools.Invoker.
func (i *Invoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	client, err := i.ensure(ctx)
	if err != nil {
		return nil, err
	}
	if !client.Supports(name) {
		return nil, fmt.Errorf("tool %q not provided by the mcp server", name)
	}
	return client.CallTool(ctx, name, args)
}

// ensure returns a usable client, starting or replacing the server as
// needed.
func (i *Invoker) ensure(ctx context.Context) (*Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.command == "" {
		return nil, ErrNotConfigured
	}
	if i.client != nil {
		if i.client.Alive() {
			return i.client, nil
		}
		i.client.Stop()
		i.client = nil
	}

	client, err := StartClient(ctx, i.command, i.args)
	if err != nil {
		return nil, err
	}
	i.client = client
	return client, nil
}

// Close stops the server if one is running.
func (i *Invoker) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		i.client.Stop()
		i.client = nil
	}
}
