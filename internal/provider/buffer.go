// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the contract between the orchestrator and
// the chat backends.
package provider

import (
	"sync"
	"time"

	"github.com/octovalve/console-core/internal/chat"
)

// =============================================================================
// STREAM BUFFER
// =============================================================================

// DefaultFlushInterval batches network-driven deltas before they hit
// the reactive state, to avoid per-token churn.
const DefaultFlushInterval = 50 * time.Millisecond

// segmentKind discriminates buffered delta kinds.
type segmentKind int

const (
	segmentText segmentKind = iota
	segmentReasoning
)

type segment struct {
	kind segmentKind
	text string
}

// Buffer accumulates streamed text and reasoning deltas and flushes
// them to the event handler on a fixed interval. Deltas are applied in
// arrival order; consecutive deltas of the same kind coalesce via
// chat.ConcatChunk. Flushing only delays application, never reorders.
//
// Terminal transitions must call Flush before emitting their event so
// no buffered content is lost at stream end.
type Buffer struct {
	mu       sync.Mutex
	segments []segment
	emit     Handler
	interval time.Duration

	ticker *time.Ticker
	done   chan struct{}
}

// NewBuffer creates a stopped buffer that flushes through emit.
func NewBuffer(emit Handler, interval time.Duration) *Buffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Buffer{emit: emit, interval: interval}
}

// Start begins the periodic flush loop. Safe to call when already
// running.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ticker != nil {
		return
	}
	b.ticker = time.NewTicker(b.interval)
	b.done = make(chan struct{})
	go b.loop(b.ticker, b.done)
}

// Stop flushes remaining deltas and halts the loop. Idempotent.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if b.ticker == nil {
		b.mu.Unlock()
		return
	}
	b.ticker.Stop()
	close(b.done)
	b.ticker = nil
	b.done = nil
	b.mu.Unlock()

	b.Flush()
}

func (b *Buffer) loop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// AppendText buffers an assistant text delta. Empty deltas are
// dropped.
func (b *Buffer) AppendText(delta string) {
	b.append(segmentText, delta)
}

// AppendReasoning buffers a reasoning delta. Empty deltas are dropped.
func (b *Buffer) AppendReasoning(delta string) {
	b.append(segmentReasoning, delta)
}

func (b *Buffer) append(kind segmentKind, delta string) {
	if delta == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.segments); n > 0 && b.segments[n-1].kind == kind {
		b.segments[n-1].text = chat.ConcatChunk(b.segments[n-1].text, delta)
		return
	}
	b.segments = append(b.segments, segment{kind: kind, text: delta})
}

// Flush synchronously emits all buffered deltas in order. Called by
// the flush loop, and directly by adapters before any terminal event.
func (b *Buffer) Flush() {
	b.mu.Lock()
	pending := b.segments
	b.segments = nil
	b.mu.Unlock()

	for _, s := range pending {
		switch s.kind {
		case segmentText:
			b.emit(TextEvent{Delta: s.text})
		case segmentReasoning:
			b.emit(ReasoningEvent{Delta: s.text})
		}
	}
}
