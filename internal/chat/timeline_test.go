// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"reflect"
	"testing"
)

// =============================================================================
// CONCAT CHUNK TESTS
// =============================================================================

func TestConcatChunk_EmptyIdentity(t *testing.T) {
	cases := []string{"", "hello", "**bold**", "  spaced  "}
	for _, s := range cases {
		if got := ConcatChunk(s, ""); got != s {
			t.Errorf("ConcatChunk(%q, \"\") = %q, want %q", s, got, s)
		}
		if got := ConcatChunk("", s); got != s {
			t.Errorf("ConcatChunk(\"\", %q) = %q, want %q", s, got, s)
		}
	}
}

func TestConcatChunk_PlainJoin(t *testing.T) {
	if got := ConcatChunk("hel", "lo"); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestConcatChunk_WhitespaceBoundary(t *testing.T) {
	// A whitespace boundary always concatenates directly, even when
	// bold delimiters touch.
	if got := ConcatChunk("one** ", "**two"); got != "one** **two" {
		t.Errorf("got %q", got)
	}
	if got := ConcatChunk("one**", " **two"); got != "one** **two" {
		t.Errorf("got %q", got)
	}
}

func TestConcatChunk_BoldDelimiterBoundary(t *testing.T) {
	tests := []struct {
		existing, chunk, want string
	}{
		{"**first**", "**second**", "**first**\n**second**"},
		{"__first__", "__second__", "__first__\n__second__"},
		// Mismatched delimiters join directly.
		{"**first**", "__second__", "**first**__second__"},
		// Delimiter only on one side joins directly.
		{"first", "**second**", "first**second**"},
		{"**first**", "second", "**first**second"},
	}
	for _, tt := range tests {
		if got := ConcatChunk(tt.existing, tt.chunk); got != tt.want {
			t.Errorf("ConcatChunk(%q, %q) = %q, want %q", tt.existing, tt.chunk, got, tt.want)
		}
	}
}

// =============================================================================
// REASONING BLOCK TESTS
// =============================================================================

func seqIDs() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("blk-%d", n)
	}
}

func TestAppendReasoning_EmptyDelta(t *testing.T) {
	blocks, started := AppendReasoning(nil, "", seqIDs())
	if started {
		t.Error("empty delta must not start a block")
	}
	if len(blocks) != 0 {
		t.Errorf("expected no blocks, got %d", len(blocks))
	}
}

func TestAppendReasoning_MergesConsecutiveDeltas(t *testing.T) {
	gen := seqIDs()
	blocks, started := AppendReasoning(nil, "think", gen)
	if !started {
		t.Error("first delta should start a block")
	}
	blocks, started = AppendReasoning(blocks, "ing...", gen)
	if started {
		t.Error("second delta should merge into the existing block")
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Content != "thinking..." {
		t.Errorf("content = %q", blocks[0].Content)
	}
	if blocks[0].ID != "blk-1" {
		t.Errorf("id = %q", blocks[0].ID)
	}
}

func TestAppendReasoning_NewBlockAfterToolCall(t *testing.T) {
	gen := seqIDs()
	blocks, _ := AppendReasoning(nil, "first burst", gen)
	blocks, _ = EnsureToolCallBlock(blocks, "call-1")
	blocks, started := AppendReasoning(blocks, "second burst", gen)
	if !started {
		t.Error("reasoning after a tool-call block should start a new block")
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[2].Content != "second burst" {
		t.Errorf("content = %q", blocks[2].Content)
	}
}

// One reasoning block per maximal run of consecutive reasoning deltas.
func TestAppendReasoning_OneBlockPerRun(t *testing.T) {
	gen := seqIDs()
	var blocks []Block
	runs := [][]string{
		{"a", "b", "c"},
		{"d"},
		{"e", "f"},
	}
	for i, run := range runs {
		for _, delta := range run {
			blocks, _ = AppendReasoning(blocks, delta, gen)
		}
		if i < len(runs)-1 {
			blocks, _ = EnsureToolCallBlock(blocks, fmt.Sprintf("call-%d", i))
		}
	}

	reasoning := 0
	for _, b := range blocks {
		if b.Type == BlockReasoning {
			reasoning++
		}
	}
	if reasoning != len(runs) {
		t.Errorf("reasoning blocks = %d, want %d", reasoning, len(runs))
	}
}

func TestAppendReasoning_DoesNotMutateInput(t *testing.T) {
	gen := seqIDs()
	original, _ := AppendReasoning(nil, "base", gen)
	snapshot := make([]Block, len(original))
	copy(snapshot, original)

	_, _ = AppendReasoning(original, " more", gen)
	if !reflect.DeepEqual(original, snapshot) {
		t.Error("AppendReasoning mutated its input slice")
	}
}

// =============================================================================
// TOOL CALL BLOCK TESTS
// =============================================================================

func TestEnsureToolCallBlock_Idempotent(t *testing.T) {
	once, inserted := EnsureToolCallBlock(nil, "call-1")
	if !inserted {
		t.Error("first call should insert")
	}
	twice, inserted := EnsureToolCallBlock(once, "call-1")
	if inserted {
		t.Error("second call should be a no-op")
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("idempotence violated: %v vs %v", once, twice)
	}
}

func TestEnsureToolCallBlock_EmptyID(t *testing.T) {
	blocks, inserted := EnsureToolCallBlock(nil, "")
	if inserted || len(blocks) != 0 {
		t.Error("empty tool-call ID must not create a block")
	}
}
