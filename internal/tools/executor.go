// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools executes tool-call batches requested by the
// OpenAI-compatible provider.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/octovalve/console-core/internal/chat"
)

// =============================================================================
// INVOKER BOUNDARY
// =============================================================================

// Invoker executes a single tool call against the tool bridge (the
// MCP proxy in production). The returned value may be a plain string
// or a structured result; serializeResult extracts the text either
// way.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, args map[string]any) (any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// DefaultMaxConcurrent bounds how many tool calls run at once.
const DefaultMaxConcurrent = 10

// Request is one tool call to execute. RawArguments is the arguments
// JSON exactly as the model produced it.
type Request struct {
	ID           string
	Name         string
	RawArguments string
}

// Result is the settled outcome of one request.
type Result struct {
	ID     string
	Name   string
	Status chat.ToolCallStatus
	Text   string
}

// UpdateFunc observes per-call status changes (running, then the
// terminal result). Called from worker goroutines.
type UpdateFunc func(Result)

// SkipFunc reports whether a call should be skipped without
// invocation (e.g. the UI already cancelled it).
type SkipFunc func(id string) bool

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor runs tool-call batches through a fixed-size worker pool.
type Executor struct {
	invoker       Invoker
	maxConcurrent int

	mu          sync.Mutex
	cancelBatch context.CancelFunc
	activeBatch *struct{}
}

// NewExecutor creates an executor with the given concurrency limit.
func NewExecutor(invoker Invoker, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Executor{invoker: invoker, maxConcurrent: maxConcurrent}
}

// CancelActive aborts the in-flight batch, if any.
func (e *Executor) CancelActive() {
	e.mu.Lock()
	cancel := e.cancelBatch
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes a batch and blocks until every call settles or the
// batch is aborted. Starting a new batch cancels the previous one:
// only one batch may be in flight.
//
// Results preserve the batch order. aborted reports whether the shared
// cancellation signal fired before all calls settled.
func (e *Executor) Run(ctx context.Context, batch []Request, skip SkipFunc, onUpdate UpdateFunc) (results []Result, aborted bool) {
	if len(batch) == 0 {
		return nil, false
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	token := new(struct{})
	e.mu.Lock()
	if e.cancelBatch != nil {
		e.cancelBatch()
	}
	e.cancelBatch = cancel
	e.activeBatch = token
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.activeBatch == token {
			e.cancelBatch = nil
			e.activeBatch = nil
		}
		e.mu.Unlock()
	}()

	results = make([]Result, len(batch))
	semaphore := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup

	for i, req := range batch {
		if batchCtx.Err() != nil {
			results[i] = Result{ID: req.ID, Name: req.Name, Status: chat.ToolCallCancelled, Text: "Batch aborted"}
			continue
		}
		if skip != nil && skip(req.ID) {
			results[i] = Result{ID: req.ID, Name: req.Name, Status: chat.ToolCallCancelled, Text: "Skipped"}
			continue
		}

		// Acquire before spawning so at most maxConcurrent calls are
		// ever running.
		select {
		case semaphore <- struct{}{}:
		case <-batchCtx.Done():
			results[i] = Result{ID: req.ID, Name: req.Name, Status: chat.ToolCallCancelled, Text: "Batch aborted"}
			continue
		}

		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results[i] = e.executeOne(batchCtx, req, onUpdate)
		}(i, req)
	}

	wg.Wait()
	return results, batchCtx.Err() != nil
}

// executeOne runs a single call and always settles it with a result.
func (e *Executor) executeOne(ctx context.Context, req Request, onUpdate UpdateFunc) Result {
	if req.Name == "" {
		// Hard failure recorded as the result, not thrown: the rest of
		// the batch keeps going.
		res := Result{ID: req.ID, Status: chat.ToolCallFailed, Text: "Missing tool name"}
		notify(onUpdate, res)
		return res
	}

	notify(onUpdate, Result{ID: req.ID, Name: req.Name, Status: chat.ToolCallRunning})

	args := ParseArguments(req.RawArguments)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := e.invoker.Invoke(ctx, req.Name, args)
		done <- outcome{value, err}
	}()

	var res Result
	select {
	case <-ctx.Done():
		res = Result{ID: req.ID, Name: req.Name, Status: chat.ToolCallCancelled, Text: "Cancelled"}
	case out := <-done:
		if out.err != nil {
			status := chat.ToolCallFailed
			text := out.err.Error()
			if errors.Is(out.err, context.Canceled) {
				status = chat.ToolCallCancelled
				text = "Cancelled"
			}
			res = Result{ID: req.ID, Name: req.Name, Status: status, Text: text}
		} else {
			res = Result{ID: req.ID, Name: req.Name, Status: chat.ToolCallCompleted, Text: serializeResult(out.value)}
		}
	}
	notify(onUpdate, res)
	return res
}

func notify(onUpdate UpdateFunc, res Result) {
	if onUpdate != nil {
		onUpdate(res)
	}
}

// =============================================================================
// ARGUMENT & RESULT HANDLING
// =============================================================================

// ParseArguments decodes the model-produced arguments JSON. Malformed
// input is preserved under __raw instead of failing the call, so it
// can still be attempted and inspected.
func ParseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"__raw": raw}
	}
	return args
}

// serializeResult turns an invocation result into tool-result text:
// the first text-bearing content entry when structured, else a JSON
// rendering of the value.
func serializeResult(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if content, ok := v["content"].([]any); ok {
			for _, entry := range content {
				m, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := m["text"].(string); ok && text != "" {
					return text
				}
			}
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
