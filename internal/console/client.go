// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// CONSTANTS & ERRORS
// =============================================================================

const (
	// DefaultBaseURL is where the local approval backend listens.
	DefaultBaseURL = "http://127.0.0.1:19309"

	// DefaultTimeout bounds ordinary requests.
	DefaultTimeout = 5 * time.Second

	// ReloadTimeout bounds the broker-reload request, which waits for
	// every remote broker to reconnect.
	ReloadTimeout = 120 * time.Second

	// defaultMaxRetries is the retry budget for transient failures.
	defaultMaxRetries = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// maxResponseSize caps response bodies read into memory.
	maxResponseSize = 10 * 1024 * 1024
)

// ErrNotConfigured indicates the backend URL is not set.
var ErrNotConfigured = errors.New("console backend not configured")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Path    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("console http status %d for %s: %s", e.Status, e.Path, e.Message)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Target is one remote host registered with the backend.
type Target struct {
	Name       string  `json:"name"`
	Desc       string  `json:"desc"`
	LastSeen   *string `json:"last_seen"`
	SSH        *string `json:"ssh"`
	RemoteAddr string  `json:"remote_addr"`
	LocalAddr  string  `json:"local_addr"`
}

// QueuedCommand is a command waiting for approval.
type QueuedCommand struct {
	ID           string `json:"id"`
	Client       string `json:"client"`
	Target       string `json:"target"`
	Peer         string `json:"peer"`
	Intent       string `json:"intent"`
	RawCommand   string `json:"raw_command"`
	ReceivedAtMs uint64 `json:"received_at_ms"`
}

// CommandResult is one finished command from the history ring.
type CommandResult struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	ExitCode      *int    `json:"exit_code"`
	Error         *string `json:"error"`
	Intent        string  `json:"intent"`
	RawCommand    string  `json:"raw_command"`
	QueuedForSecs uint64  `json:"queued_for_secs"`
	FinishedAtMs  uint64  `json:"finished_at_ms"`
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
}

// Snapshot is the per-target queue and history view.
type Snapshot struct {
	Queue      []QueuedCommand `json:"queue"`
	History    []CommandResult `json:"history"`
	LastResult *CommandResult  `json:"last_result"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// MaxRetries overrides the transient-failure retry budget.
	MaxRetries int
}

// Client talks to the approval backend over its REST surface.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
}

// New creates a backend client. A zero Options value yields a client
// for the default local backend address.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		maxRetries: opts.MaxRetries,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

// ListTargets fetches the registered targets.
func (c *Client) ListTargets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := c.getJSON(ctx, "/targets", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// TargetNames fetches just the target names, for tool schema
// construction.
func (c *Client) TargetNames(ctx context.Context) ([]string, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	return names, nil
}

// TargetSnapshot fetches the approval queue and result history for one
// target.
func (c *Client) TargetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.getJSON(ctx, "/targets/"+name+"/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Approve releases a queued command for execution.
func (c *Client) Approve(ctx context.Context, target, id string) error {
	return c.postJSON(ctx, "/targets/"+target+"/approve", map[string]string{"id": id})
}

// Deny rejects a queued command.
func (c *Client) Deny(ctx context.Context, target, id string) error {
	return c.postJSON(ctx, "/targets/"+target+"/deny", map[string]string{"id": id})
}

// CancelCommand cancels a queued or running command.
func (c *Client) CancelCommand(ctx context.Context, target, id string) error {
	return c.postJSON(ctx, "/targets/"+target+"/cancel", map[string]string{"id": id})
}

// ReloadBrokers asks the backend to reconnect every remote broker.
// Callers should pass a context with ReloadTimeout headroom.
func (c *Client) ReloadBrokers(ctx context.Context) error {
	return c.postJSON(ctx, "/targets/reload-brokers", map[string]string{})
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("console %s: parse response: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("console %s: marshal payload: %w", path, err)
	}
	_, err = c.do(ctx, http.MethodPost, path, body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("console %s: create request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("console %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("console %s: read response: %w", path, err)
	}
	if int64(len(data)) == maxResponseSize {
		return nil, fmt.Errorf("console %s: response exceeded %d bytes", path, maxResponseSize)
	}

	if resp.StatusCode/100 != 2 {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Path:    path,
			Message: strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

// isRetryable reports whether the error is worth another attempt.
// Server-side failures are; client errors and cancellation are not.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status < 600
	}
	// Network errors (connection refused, resets) surface as plain
	// wrapped errors from the transport.
	return true
}

func backoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
