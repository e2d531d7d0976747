// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/console"
	"github.com/octovalve/console-core/internal/orchestrator"
	"github.com/octovalve/console-core/internal/provider"
	"github.com/octovalve/console-core/internal/store"
	"github.com/octovalve/console-core/internal/util"
)

// renderInterval is how often the stream renderer polls for new
// timeline content.
const renderInterval = 80 * time.Millisecond

// REPL is the interactive shell over the orchestrator.
type REPL struct {
	orch    *orchestrator.Orchestrator
	console *console.Client
	in      *Input
	out     io.Writer
}

// New creates a REPL writing to stdout.
func New(orch *orchestrator.Orchestrator, consoleClient *console.Client) *REPL {
	return &REPL{
		orch:    orch,
		console: consoleClient,
		in:      NewInput(),
		out:     os.Stdout,
	}
}

// Run drives the read-eval loop until /quit, EOF, or context
// cancellation.
func (r *REPL) Run(ctx context.Context) {
	defer r.in.Close()

	fmt.Fprintf(r.out, "octovalve console (provider: %s). Type /help for commands.\n", r.orch.Provider())
	if err := r.orch.InitErr(); err != nil {
		fmt.Fprintf(r.out, "provider not ready: %v\n", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		input, err := r.in.ReadLine(fmt.Sprintf("%s> ", r.orch.Provider()))
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			return
		}

		text := strings.TrimSpace(input)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "/") {
			if r.handleCommand(ctx, text) {
				return
			}
			continue
		}
		r.send(ctx, text)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// handleCommand dispatches a slash command. Returns true when the REPL
// should exit.
func (r *REPL) handleCommand(ctx context.Context, text string) bool {
	cmd, arg := splitCommand(text)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		r.printHelp()

	case "/provider":
		if arg == "" {
			fmt.Fprintf(r.out, "active provider: %s (state: %s)\n", r.orch.Provider(), r.orch.State())
			return false
		}
		target := chat.Provider(arg)
		if err := r.orch.SwitchProvider(ctx, target); err != nil {
			fmt.Fprintf(r.out, "switch failed: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "switched to %s\n", target)

	case "/new":
		session := r.orch.NewSession(ctx)
		fmt.Fprintf(r.out, "new session %s\n", session.Title)

	case "/sessions":
		r.printSessions()

	case "/select":
		if session, ok := r.sessionByIndex(arg); ok {
			if err := r.orch.SelectSession(ctx, session.ID); err != nil {
				fmt.Fprintf(r.out, "select failed: %v\n", err)
				return false
			}
			fmt.Fprintf(r.out, "selected %q\n", session.Title)
		}

	case "/delete":
		if session, ok := r.sessionByIndex(arg); ok {
			r.orch.DeleteSession(ctx, session.ID)
			fmt.Fprintf(r.out, "deleted %q\n", session.Title)
		}

	case "/clear":
		r.orch.ClearSessions(ctx)
		fmt.Fprintln(r.out, "cleared all sessions for this provider")

	case "/cancel":
		if err := r.orch.CancelStream(ctx); err != nil {
			fmt.Fprintf(r.out, "cancel failed: %v\n", err)
		}

	case "/targets":
		r.printTargets(ctx)

	default:
		fmt.Fprintf(r.out, "unknown command %s (try /help)\n", cmd)
	}
	return false
}

// splitCommand separates a slash command from its argument.
func splitCommand(text string) (cmd, arg string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	cmd = fields[0]
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}
	return cmd, arg
}

func (r *REPL) printHelp() {
	fmt.Fprint(r.out, `commands:
  /provider [acp|openai]  show or switch the active provider
  /new                    start a fresh session
  /sessions               list sessions for the active provider
  /select <n>             switch to session n
  /delete <n>             delete session n
  /clear                  delete all sessions for the active provider
  /cancel                 stop the in-flight response
  /targets                list remote targets from the console backend
  /quit                   exit
anything else is sent to the assistant.
`)
}

func (r *REPL) printSessions() {
	sessions := r.orch.Store().SummariesForProvider(r.orch.Provider())
	if len(sessions) == 0 {
		fmt.Fprintln(r.out, "no sessions")
		return
	}
	activeID := r.orch.Store().ActiveID()
	for i, s := range sessions {
		marker := " "
		if s.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %2d. %s (%d messages)\n", marker, i+1,
			util.TruncateRunes(s.Title, 60), s.Messages)
	}
}

// sessionByIndex resolves a 1-based index into the active provider's
// session list, printing an error when out of range.
func (r *REPL) sessionByIndex(arg string) (store.SessionSummary, bool) {
	sessions := r.orch.Store().SummariesForProvider(r.orch.Provider())
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 || n > len(sessions) {
		fmt.Fprintf(r.out, "expected a session number 1-%d\n", len(sessions))
		return store.SessionSummary{}, false
	}
	return sessions[n-1], true
}

func (r *REPL) printTargets(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, console.DefaultTimeout)
	defer cancel()

	targets, err := r.console.ListTargets(reqCtx)
	if err != nil {
		fmt.Fprintf(r.out, "list targets: %v\n", err)
		return
	}
	if len(targets) == 0 {
		fmt.Fprintln(r.out, "no targets registered")
		return
	}
	for _, t := range targets {
		lastSeen := "never"
		if t.LastSeen != nil {
			lastSeen = *t.LastSeen
		}
		fmt.Fprintf(r.out, "%-20s %-30s last seen %s\n", t.Name, t.Desc, lastSeen)
	}
}

// =============================================================================
// STREAM RENDERING
// =============================================================================

func (r *REPL) send(ctx context.Context, text string) {
	if err := r.orch.SendMessage(ctx, provider.SendOptions{Text: text}); err != nil {
		fmt.Fprintf(r.out, "send failed: %v\n", err)
		return
	}
	r.renderStream(ctx)
}

// renderStream prints assistant output incrementally until the stream
// resolves. Each poll reads a copied message view; the live timeline
// keeps changing under the store lock while this loop runs. Tool-call
// transitions get their own lines; follow-up turn messages reset the
// content offset.
func (r *REPL) renderStream(ctx context.Context) {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	var (
		currentID string
		printed   int
		calls     = map[string]chat.ToolCallStatus{}
	)

	for {
		streaming := r.orch.Streaming()

		if msg, ok := r.orch.Store().ActiveAssistantView(); ok {
			if msg.ID != currentID {
				currentID = msg.ID
				printed = 0
			}
			for _, call := range msg.ToolCalls {
				if calls[call.ID] != call.Status {
					calls[call.ID] = call.Status
					fmt.Fprintf(r.out, "\n[tool] %s: %s", call.Name, call.Status)
				}
			}
			if len(msg.Content) > printed {
				fmt.Fprint(r.out, msg.Content[printed:])
				printed = len(msg.Content)
			}
		}

		if !streaming {
			fmt.Fprintln(r.out)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
