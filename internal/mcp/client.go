// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// =============================================================================
// CONSTANTS & ERRORS
// =============================================================================

const (
	// protocolVersion is the MCP revision negotiated during initialize.
	protocolVersion = "2025-06-18"

	clientName    = "octovalve-console"
	clientVersion = "0.1.0"

	// requestTimeout bounds the handshake calls (initialize,
	// tools/list).
	requestTimeout = 30 * time.Second

	// callTimeout bounds tools/call. Commands ride the approval
	// pipeline, so a call may legitimately wait on an operator.
	callTimeout = 10 * time.Minute

	// maxLineSize is the scanner limit for a single JSON-RPC line.
	maxLineSize = 16 * 1024 * 1024
)

var (
	// ErrStopped indicates the server process is not running.
	ErrStopped = errors.New("mcp server not running")

	// ErrReaderExited indicates the stdout reader terminated while
	// requests were still pending.
	ErrReaderExited = errors.New("mcp reader exited")
)

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type outgoingRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outgoingNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outgoingError struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Error   *RPCError `json:"error"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// =============================================================================
// CLIENT
// =============================================================================

// Client manages the MCP server subprocess and JSON-RPC traffic on its
// stdio pipes. A single reader goroutine demultiplexes responses to
// pending calls.
type Client struct {
	cmd     *exec.Cmd
	writeMu sync.Mutex
	stdin   io.WriteCloser

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan rpcResult
	stopped bool
	closed  bool

	serverName string
	toolNames  map[string]bool
}

// StartClient spawns the server process, performs the initialize
// handshake, and caches the advertised tool names.
func StartClient(ctx context.Context, command string, args []string) (*Client, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan rpcResult),
	}
	go c.readLoop(stdout)

	if err := c.handshake(ctx); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

// handshake negotiates the protocol and lists the server's tools.
func (c *Client) handshake(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}, requestTimeout)
	if err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}
	name := gjson.GetBytes(raw, "serverInfo.name").String()

	if err := c.notify("notifications/initialized", nil); err != nil {
		return err
	}

	names := map[string]bool{}
	if raw, err := c.call(ctx, "tools/list", nil, requestTimeout); err == nil {
		gjson.GetBytes(raw, "tools").ForEach(func(_, tool gjson.Result) bool {
			if n := tool.Get("name").String(); n != "" {
				names[n] = true
			}
			return true
		})
	} else {
		log.Printf("[mcp] tools/list failed, accepting any tool name: %v", err)
	}

	c.mu.Lock()
	c.serverName = name
	c.toolNames = names
	c.mu.Unlock()

	log.Printf("[mcp] connected to %s, %d tools", name, len(names))
	return nil
}

// Alive reports whether the transport is still usable.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && !c.closed
}

// Supports reports whether the server advertised the tool. An empty
// tool list (enumeration failed or server lists lazily) accepts any
// name and lets the server decide.
func (c *Client) Supports(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolNames) == 0 {
		return true
	}
	return c.toolNames[name]
}

// CallTool invokes a tool and returns its result text. Arguments are
// always a JSON object; nil sends the call without arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, callTimeout)
	if err != nil {
		return "", err
	}
	return parseToolResult(raw)
}

// parseToolResult extracts the first text-bearing content entry. An
// isError result surfaces that text as the error.
func parseToolResult(raw json.RawMessage) (string, error) {
	root := gjson.ParseBytes(raw)

	text := ""
	root.Get("content").ForEach(func(_, entry gjson.Result) bool {
		if entry.Get("type").String() == "text" {
			if t := entry.Get("text").String(); t != "" {
				text = t
				return false
			}
		}
		return true
	})

	if root.Get("isError").Bool() {
		if text == "" {
			text = "tool execution failed"
		}
		return "", fmt.Errorf("mcp error: %s", text)
	}
	if text == "" {
		return string(raw), nil
	}
	return text, nil
}

// =============================================================================
// READ LOOP
// =============================================================================

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	exitReason := "stdout closed"
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Printf("[mcp] parse error: %v", err)
			continue
		}

		switch {
		case env.Method != "" && env.ID != nil:
			// Server-initiated requests (sampling etc.) are not
			// supported by this console.
			c.rejectRequest(&env)
		case env.Method != "":
			// Notifications carry nothing the bridge needs.
		case env.ID != nil:
			c.handleResponse(&env)
		}
	}
	if err := scanner.Err(); err != nil {
		exitReason = fmt.Sprintf("read error: %v", err)
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResult{err: fmt.Errorf("%w: %s", ErrReaderExited, exitReason)}
	}
	c.mu.Unlock()
}

func (c *Client) rejectRequest(env *envelope) {
	resp := outgoingError{
		JSONRPC: "2.0",
		ID:      *env.ID,
		Error:   &RPCError{Code: -32601, Message: "method not supported"},
	}
	if err := c.writeJSON(resp); err != nil {
		log.Printf("[mcp] reject %s failed: %v", env.Method, err)
	}
}

func (c *Client) handleResponse(env *envelope) {
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if env.Error != nil {
		ch <- rpcResult{err: env.Error}
	} else {
		ch <- rpcResult{result: env.Result}
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return ErrStopped
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp write: %w", err)
	}
	return nil
}

func (c *Client) notify(method string, params any) error {
	return c.writeJSON(outgoingNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// call sends a request and waits for its response, bounded by ctx and
// timeout.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeJSON(outgoingRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("mcp request %s timed out after %s", method, timeout)
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Stop kills the server process. Idempotent; the reader loop exits when
// stdout closes and fails any still-pending calls.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.writeMu.Lock()
	if c.stdin != nil {
		c.stdin.Close()
		c.stdin = nil
	}
	c.writeMu.Unlock()

	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		go func() { _ = c.cmd.Wait() }()
	}
}
