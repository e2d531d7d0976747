// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package acp implements the Agent Client Protocol backend.
package acp

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
	// DefaultRequestTimeout bounds synchronous JSON-RPC calls.
	DefaultRequestTimeout = 30 * time.Second

	// maxLineSize is the scanner limit for a single JSON-RPC line.
	maxLineSize = 16 * 1024 * 1024
)

var (
	// ErrStopped indicates the agent process is not running.
	ErrStopped = errors.New("acp agent not running")

	// ErrReaderExited indicates the stdout reader terminated while
	// requests were still pending.
	ErrReaderExited = errors.New("acp reader exited")
)

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// =============================================================================
// WIRE ENVELOPE
// =============================================================================

// envelope covers all three inbound JSON-RPC shapes: requests carry a
// method and an id, notifications a method without an id, responses an
// id without a method.
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

type outgoingResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  any    `json:"result"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// NotifyFunc receives raw inbound notifications (method + params).
type NotifyFunc func(method string, params json.RawMessage)

// =============================================================================
// CLIENT
// =============================================================================

// Client manages the agent subprocess and JSON-RPC traffic on its
// stdio pipes. A single reader goroutine demultiplexes responses to
// pending calls and forwards notifications to the notify callback.
type Client struct {
	cmd     *exec.Cmd
	writeMu sync.Mutex
	stdin   io.WriteCloser

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan rpcResult
	stopped bool

	notify  NotifyFunc
	timeout time.Duration
}

// StartClient spawns the agent process and begins reading its stdout.
// notify receives every inbound notification, including the synthetic
// "prompt/complete" emitted when an unmatched response carries a
// stopReason (the async prompt path).
func StartClient(command string, args []string, notify NotifyFunc) (*Client, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("acp stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acp stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ACP agent: %w", err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan rpcResult),
		notify:  notify,
		timeout: DefaultRequestTimeout,
	}
	c.nextID.Store(0)
	go c.readLoop(stdout)
	return c, nil
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
			log.Printf("[acp] parse error: %v", err)
			continue
		}

		switch {
		case env.Method != "" && env.ID != nil:
			c.handleRequest(&env)
		case env.Method != "":
			if c.notify != nil {
				c.notify(env.Method, env.Params)
			}
		case env.ID != nil:
			c.handleResponse(&env)
		}
	}
	if err := scanner.Err(); err != nil {
		exitReason = fmt.Sprintf("read error: %v", err)
	}

	// Fail everything still waiting so no caller blocks forever.
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResult{err: fmt.Errorf("%w: %s", ErrReaderExited, exitReason)}
	}
	c.mu.Unlock()
}

// handleRequest answers agent-initiated requests. The only one the
// console services is session/request_permission; approval decisions
// were already made through the command-approval backend, so the agent
// side is answered automatically.
func (c *Client) handleRequest(env *envelope) {
	if env.Method != "session/request_permission" {
		return
	}
	var result any
	if optionID := pickPermissionOption(env.Params); optionID != "" {
		result = map[string]any{"outcome": "selected", "optionId": optionID}
	} else {
		result = map[string]any{"outcome": "cancelled"}
	}
	if err := c.writeJSON(outgoingResponse{JSONRPC: "2.0", ID: *env.ID, Result: result}); err != nil {
		log.Printf("[acp] request_permission response failed: %v", err)
	}
}

func (c *Client) handleResponse(env *envelope) {
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.mu.Unlock()

	if ok {
		if env.Error != nil {
			ch <- rpcResult{err: env.Error}
		} else {
			ch <- rpcResult{result: env.Result}
		}
		return
	}

	// Unmatched response: the async prompt path. A result carrying a
	// stopReason completes the in-flight turn.
	if env.Error != nil {
		if c.notify != nil {
			data, _ := json.Marshal(map[string]string{"message": env.Error.Message})
			c.notify("prompt/error", data)
		}
		return
	}
	if gjson.GetBytes(env.Result, "stopReason").Exists() && c.notify != nil {
		c.notify("prompt/complete", env.Result)
	}
}

// pickPermissionOption chooses an option from a permission request:
// the first allow_once/allow_always option, else the first option.
func pickPermissionOption(params json.RawMessage) string {
	options := gjson.GetBytes(params, "options")
	fallback := ""
	picked := ""
	options.ForEach(func(_, option gjson.Result) bool {
		id := firstString(option, "optionId", "option_id")
		if fallback == "" {
			fallback = id
		}
		switch option.Get("kind").String() {
		case "allow_once", "allow_always":
			picked = id
			return false
		}
		return true
	})
	if picked != "" {
		return picked
	}
	return fallback
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
		return fmt.Errorf("acp write: %w", err)
	}
	return nil
}

// Call sends a request and waits for its response. The wait is bounded
// by ctx and by the client request timeout.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("acp request %s timed out after %s", method, c.timeout)
	}
}

// CallAsync sends a request without waiting; the reader loop handles
// the eventual response (used for session/prompt and session/cancel).
func (c *Client) CallAsync(method string, params any) error {
	id := c.nextID.Add(1)
	return c.writeJSON(outgoingRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Stop kills the agent process. Idempotent; the reader loop exits when
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
