// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"sync"
	"testing"
	"time"
)

// collector gathers emitted events thread-safely.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler() Handler {
	return func(ev Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
	}
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestBuffer_FlushPreservesOrder(t *testing.T) {
	var c collector
	b := NewBuffer(c.handler(), time.Hour) // never auto-flush

	b.AppendText("hello ")
	b.AppendReasoning("think")
	b.AppendText("world")
	b.Flush()

	events := c.snapshot()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if ev, ok := events[0].(TextEvent); !ok || ev.Delta != "hello " {
		t.Errorf("events[0] = %#v", events[0])
	}
	if ev, ok := events[1].(ReasoningEvent); !ok || ev.Delta != "think" {
		t.Errorf("events[1] = %#v", events[1])
	}
	if ev, ok := events[2].(TextEvent); !ok || ev.Delta != "world" {
		t.Errorf("events[2] = %#v", events[2])
	}
}

func TestBuffer_CoalescesConsecutiveSameKind(t *testing.T) {
	var c collector
	b := NewBuffer(c.handler(), time.Hour)

	b.AppendText("to")
	b.AppendText("ken")
	b.AppendText("s")
	b.Flush()

	events := c.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 coalesced delta", len(events))
	}
	if ev := events[0].(TextEvent); ev.Delta != "tokens" {
		t.Errorf("delta = %q", ev.Delta)
	}
}

func TestBuffer_EmptyDeltaIsNoop(t *testing.T) {
	var c collector
	b := NewBuffer(c.handler(), time.Hour)

	b.AppendText("")
	b.AppendReasoning("")
	b.Flush()

	if len(c.snapshot()) != 0 {
		t.Error("empty deltas must not emit events")
	}
}

func TestBuffer_PeriodicFlush(t *testing.T) {
	var c collector
	b := NewBuffer(c.handler(), 5*time.Millisecond)
	b.Start()
	defer b.Stop()

	b.AppendText("streamed")

	deadline := time.After(time.Second)
	for {
		if len(c.snapshot()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("buffer never auto-flushed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestBuffer_StopFlushesRemainder(t *testing.T) {
	var c collector
	b := NewBuffer(c.handler(), time.Hour)
	b.Start()
	b.AppendText("tail")
	b.Stop()

	events := c.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if ev := events[0].(TextEvent); ev.Delta != "tail" {
		t.Errorf("delta = %q", ev.Delta)
	}

	// Idempotent.
	b.Stop()
}
