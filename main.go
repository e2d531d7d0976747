// octovalve console core - provider-agnostic chat orchestration over
// ACP agents and OpenAI-compatible endpoints.
//
// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/octovalve/console-core/internal/acp"
	"github.com/octovalve/console-core/internal/chat"
	"github.com/octovalve/console-core/internal/cli"
	"github.com/octovalve/console-core/internal/config"
	"github.com/octovalve/console-core/internal/console"
	"github.com/octovalve/console-core/internal/kv"
	"github.com/octovalve/console-core/internal/mcp"
	"github.com/octovalve/console-core/internal/openai"
	"github.com/octovalve/console-core/internal/orchestrator"
	"github.com/octovalve/console-core/internal/provider"
	"github.com/octovalve/console-core/internal/store"
	"github.com/octovalve/console-core/internal/tools"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to config file (default ~/.octovalve/config.toml)")
		providerFlag = flag.String("provider", "", "startup provider: acp or openai")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("octovalve-console %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *providerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, providerOverride string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if providerOverride != "" {
		cfg.Chat.DefaultProvider = providerOverride
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}

	sessions := store.New(backend, cfg.SaveDebounce())
	sessions.Load()

	consoleClient := console.New(console.Options{
		BaseURL: cfg.Console.BaseURL,
		APIKey:  cfg.Console.APIKey,
		Timeout: cfg.ConsoleTimeout(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// run_command executes through the MCP bridge; without one the
	// tool is not offered to the model at all.
	bridge := mcp.NewInvoker(cfg.MCP.Command, cfg.MCP.Args)
	defer bridge.Close()

	toolDefs := fetchToolDefinitions(ctx, consoleClient, cfg.MCP.Command != "")
	invoker := console.NewInvoker(consoleClient, bridge)

	var openaiAdapter *openai.Adapter
	factories := map[chat.Provider]orchestrator.AdapterFactory{
		chat.ProviderACP: func(h provider.Handler) provider.Adapter {
			return acp.NewAdapter(acp.Config{
				Command:       cfg.ACP.Command,
				Args:          cfg.ACP.Args,
				Cwd:           cfg.ACP.WorkDir,
				FlushInterval: cfg.FlushInterval(),
			}, h)
		},
		chat.ProviderOpenAI: func(h provider.Handler) provider.Adapter {
			openaiAdapter = openai.NewAdapter(openai.Config{
				Client: openai.ClientConfig{
					BaseURL:           cfg.OpenAI.BaseURL,
					APIKey:            cfg.OpenAI.APIKey,
					Model:             cfg.OpenAI.Model,
					ChatPath:          cfg.OpenAI.ChatPath,
					RequestsPerMinute: cfg.OpenAI.RequestsPerMinute,
				},
				SystemPrompt:       cfg.Chat.SystemPrompt,
				Tools:              toolDefs,
				MaxConcurrentTools: cfg.Chat.MaxConcurrentTools,
				FlushInterval:      cfg.FlushInterval(),
			}, invoker, h)
			return openaiAdapter
		},
	}

	orch := orchestrator.New(sessions, orchestrator.Config{
		DefaultProvider: chat.Provider(cfg.Chat.DefaultProvider),
		AuthMethodID:    cfg.ACP.AuthMethod,
	}, factories)

	if err := orch.Initialize(ctx); err != nil {
		// Non-fatal: the REPL can retry via /provider once the backend
		// comes up.
		log.Printf("[main] initialize: %v", err)
	}

	watcher := startConfigWatcher(configPath, consoleClient, bridge, func(defs []tools.Definition) {
		if openaiAdapter != nil {
			openaiAdapter.SetTools(defs)
		}
	})
	if watcher != nil {
		defer watcher.Close()
	}

	cli.New(orch, consoleClient).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return orch.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// openBackend builds the persistence layer selected in the config.
func openBackend(cfg *config.Config) (kv.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return kv.NewMemoryStore(), nil
	case "file":
		path, err := cfg.StoragePath()
		if err != nil {
			return nil, err
		}
		return kv.OpenFile(path)
	default:
		path, err := cfg.StoragePath()
		if err != nil {
			return nil, err
		}
		return kv.OpenSQLite(path)
	}
}

// fetchToolDefinitions builds the console tool schemas from the live
// target list, falling back to an unconstrained schema when the
// backend is unreachable.
func fetchToolDefinitions(ctx context.Context, client *console.Client, runEnabled bool) []tools.Definition {
	reqCtx, cancel := context.WithTimeout(ctx, console.DefaultTimeout)
	defer cancel()

	names, err := client.TargetNames(reqCtx)
	if err != nil {
		log.Printf("[main] target list unavailable, using open tool schema: %v", err)
		return tools.ConsoleDefinitions(nil, runEnabled)
	}
	return tools.ConsoleDefinitions(names, runEnabled)
}

// startConfigWatcher hot-reloads the MCP bridge and tool schemas when
// the config file changes. Returns nil when watching could not be set
// up.
func startConfigWatcher(configPath string, client *console.Client, bridge *mcp.Invoker, apply func([]tools.Definition)) *config.Watcher {
	path := configPath
	if path == "" {
		var err error
		path, err = config.Path()
		if err != nil {
			return nil
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
		log.Printf("[main] config reloaded")
		bridge.Configure(cfg.MCP.Command, cfg.MCP.Args)

		ctx, cancel := context.WithTimeout(context.Background(), console.DefaultTimeout)
		defer cancel()
		names, err := client.TargetNames(ctx)
		if err != nil {
			names = nil
		}
		apply(tools.ConsoleDefinitions(names, cfg.MCP.Command != ""))
	})
	if err != nil {
		log.Printf("[main] config watch unavailable: %v", err)
		return nil
	}
	if err := watcher.Watch(); err != nil {
		log.Printf("[main] config watch failed: %v", err)
		watcher.Close()
		return nil
	}
	return watcher
}
