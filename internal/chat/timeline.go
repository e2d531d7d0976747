// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat defines the session, message, and tool-call model shared
// by every provider.
package chat

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// =============================================================================
// BLOCKS
// =============================================================================

// BlockType discriminates the Block union.
type BlockType string

const (
	// BlockReasoning holds a burst of model reasoning text.
	BlockReasoning BlockType = "reasoning"

	// BlockToolCall marks where a tool call appears in the timeline.
	// The call itself lives on Message.ToolCalls.
	BlockToolCall BlockType = "tool_call"
)

// Block interleaves reasoning bursts and tool-call markers into a
// single chronological render order within a message.
type Block struct {
	Type       BlockType `json:"type"`
	ID         string    `json:"id,omitempty"`
	Content    string    `json:"content,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
}

// =============================================================================
// TEXT CHUNK MERGING
// =============================================================================

// boldDelimiter returns the bold/emphasis delimiter ("**" or "__") that
// s ends or starts with, or "".
func boldDelimiter(s string, atEnd bool) string {
	for _, d := range []string{"**", "__"} {
		if atEnd && strings.HasSuffix(s, d) {
			return d
		}
		if !atEnd && strings.HasPrefix(s, d) {
			return d
		}
	}
	return ""
}

// ConcatChunk joins two streamed text fragments.
//
// Upstream models sometimes split output so that one chunk ends with a
// markdown bold delimiter and the next begins with the same delimiter,
// which would render as literal `**text****text**`. When that boundary
// is detected a newline is inserted between the fragments. This is a
// best-effort heuristic for token-boundary artifacts, not a markdown
// parser; whitespace boundaries and every other case concatenate
// directly.
func ConcatChunk(existing, chunk string) string {
	if existing == "" {
		return chunk
	}
	if chunk == "" {
		return existing
	}

	last := rune(existing[len(existing)-1])
	first := rune(chunk[0])
	if unicode.IsSpace(last) || unicode.IsSpace(first) {
		return existing + chunk
	}

	if d := boldDelimiter(existing, true); d != "" && boldDelimiter(chunk, false) == d {
		return existing + "\n" + chunk
	}
	return existing + chunk
}

// =============================================================================
// BLOCK ACCUMULATION
// =============================================================================

// IDGenerator produces fresh block IDs. Tests inject a deterministic
// generator; production uses NewBlockID.
type IDGenerator func() string

// NewBlockID is the default block ID generator.
func NewBlockID() string {
	return uuid.New().String()
}

// AppendReasoning merges a reasoning delta into the block list. If the
// last block is a reasoning block the delta joins it via ConcatChunk;
// otherwise a new reasoning block starts. The input slice is not
// mutated: callers swap the message's block list wholesale.
//
// An empty delta is a no-op and never creates a block.
func AppendReasoning(blocks []Block, delta string, newID IDGenerator) (out []Block, startedNewBlock bool) {
	if delta == "" {
		return blocks, false
	}
	if newID == nil {
		newID = NewBlockID
	}

	out = make([]Block, len(blocks))
	copy(out, blocks)

	if n := len(out); n > 0 && out[n-1].Type == BlockReasoning {
		out[n-1].Content = ConcatChunk(out[n-1].Content, delta)
		return out, false
	}

	out = append(out, Block{
		Type:    BlockReasoning,
		ID:      newID(),
		Content: delta,
	})
	return out, true
}

// EnsureToolCallBlock idempotently appends a tool-call marker for the
// given ID. If a marker already exists the input slice is returned
// unchanged. An empty ID is a no-op.
func EnsureToolCallBlock(blocks []Block, toolCallID string) (out []Block, inserted bool) {
	if toolCallID == "" {
		return blocks, false
	}
	for _, b := range blocks {
		if b.Type == BlockToolCall && b.ToolCallID == toolCallID {
			return blocks, false
		}
	}

	out = make([]Block, len(blocks), len(blocks)+1)
	copy(out, blocks)
	out = append(out, Block{
		Type:       BlockToolCall,
		ToolCallID: toolCallID,
	})
	return out, true
}
