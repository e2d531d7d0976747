// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/octovalve/console-core/internal/chat"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete console-core configuration.
type Config struct {
	// Chat holds orchestration settings shared by both providers.
	Chat ChatConfig `toml:"chat"`

	// ACP configures the agent subprocess backend.
	ACP ACPConfig `toml:"acp"`

	// OpenAI configures the OpenAI-compatible completions backend.
	OpenAI OpenAIConfig `toml:"openai"`

	// Storage configures session persistence.
	Storage StorageConfig `toml:"storage"`

	// Console configures the approval-backend connection that serves
	// target listings for tool definitions.
	Console ConsoleConfig `toml:"console"`

	// MCP configures the tool-execution bridge subprocess. run_command
	// is offered to the model only when a command is set.
	MCP MCPConfig `toml:"mcp"`
}

// ChatConfig contains provider-independent orchestration settings.
type ChatConfig struct {
	// DefaultProvider is the provider activated at startup: "acp" or
	// "openai".
	DefaultProvider string `toml:"default_provider"`

	// SystemPrompt is prepended to OpenAI conversations. ACP agents
	// carry their own prompt.
	SystemPrompt string `toml:"system_prompt"`

	// MaxConcurrentTools bounds parallel tool execution per batch.
	MaxConcurrentTools int `toml:"max_concurrent_tools"`

	// FlushIntervalMs is the delta-batching interval for streamed text,
	// in milliseconds.
	FlushIntervalMs int `toml:"flush_interval_ms"`
}

// ACPConfig contains the agent subprocess settings.
type ACPConfig struct {
	// Command is the agent binary to spawn.
	Command string `toml:"command"`
	// Args are passed to the agent binary.
	Args []string `toml:"args"`
	// WorkDir is the agent working directory (empty = inherit).
	WorkDir string `toml:"work_dir"`
	// AuthMethod is the preferred authentication method ID, tried when
	// the agent advertises it.
	AuthMethod string `toml:"auth_method"`
}

// OpenAIConfig contains the OpenAI-compatible endpoint settings.
type OpenAIConfig struct {
	// BaseURL is the API root, e.g. "https://api.openai.com".
	BaseURL string `toml:"base_url"`
	// APIKey is the bearer token.
	APIKey string `toml:"api_key"`
	// Model is the model identifier sent with every request.
	Model string `toml:"model"`
	// ChatPath overrides the completions path (default
	// /v1/chat/completions).
	ChatPath string `toml:"chat_path"`
	// RequestsPerMinute throttles outbound requests.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// StorageConfig contains session persistence settings.
type StorageConfig struct {
	// Backend selects the persistence layer: "sqlite", "file", or
	// "memory".
	Backend string `toml:"backend"`
	// Path is the database or JSON file path (empty = default under
	// ~/.octovalve).
	Path string `toml:"path"`
	// SaveDebounceMs is the write-coalescing window in milliseconds.
	SaveDebounceMs int `toml:"save_debounce_ms"`
}

// ConsoleConfig contains the approval-backend settings.
type ConsoleConfig struct {
	// BaseURL is the backend root (empty disables target listing).
	BaseURL string `toml:"base_url"`
	// APIKey authenticates backend requests.
	APIKey string `toml:"api_key"`
	// TimeoutSecs bounds each backend request.
	TimeoutSecs int `toml:"timeout_secs"`
}

// MCPConfig contains the MCP server subprocess settings.
type MCPConfig struct {
	// Command is the MCP server binary to spawn (empty disables the
	// bridge and the run_command tool).
	Command string `toml:"command"`
	// Args are passed to the server binary.
	Args []string `toml:"args"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Chat: ChatConfig{
			DefaultProvider:    string(chat.ProviderACP),
			MaxConcurrentTools: 10,
			FlushIntervalMs:    50,
		},
		ACP: ACPConfig{
			Command: "acp-agent",
		},
		OpenAI: OpenAIConfig{
			BaseURL:           "https://api.openai.com",
			Model:             "gpt-4o",
			ChatPath:          "/v1/chat/completions",
			RequestsPerMinute: 60,
		},
		Storage: StorageConfig{
			Backend:        "sqlite",
			SaveDebounceMs: 450,
		},
		Console: ConsoleConfig{
			TimeoutSecs: 30,
		},
	}
}

// FlushInterval returns the delta-batching interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Chat.FlushIntervalMs) * time.Millisecond
}

// SaveDebounce returns the persistence debounce window as a duration.
func (c *Config) SaveDebounce() time.Duration {
	return time.Duration(c.Storage.SaveDebounceMs) * time.Millisecond
}

// ConsoleTimeout returns the backend request timeout as a duration.
func (c *Config) ConsoleTimeout() time.Duration {
	return time.Duration(c.Console.TimeoutSecs) * time.Second
}

// StoragePath resolves the persistence path, falling back to the
// default location under the config directory.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	switch c.Storage.Backend {
	case "file":
		return filepath.Join(dir, "sessions.json"), nil
	default:
		return filepath.Join(dir, "sessions.db"), nil
	}
}

// =============================================================================
// PATHS
// =============================================================================

// Dir returns the octovalve configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".octovalve"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureDir ensures the config directory exists.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions fixes permissions on the config file. The
// file carries API keys and must stay owner read/write only.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD
// =============================================================================

// Load loads configuration from the default file location, falling
// back to built-in defaults when no file exists. Environment overrides
// are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config from %s: %w", path, err)
	}
	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills in missing or zero-value fields with defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Chat.DefaultProvider == "" {
		c.Chat.DefaultProvider = defaults.Chat.DefaultProvider
	}
	if c.Chat.MaxConcurrentTools == 0 {
		c.Chat.MaxConcurrentTools = defaults.Chat.MaxConcurrentTools
	}
	if c.Chat.FlushIntervalMs == 0 {
		c.Chat.FlushIntervalMs = defaults.Chat.FlushIntervalMs
	}

	if c.ACP.Command == "" {
		c.ACP.Command = defaults.ACP.Command
	}

	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = defaults.OpenAI.BaseURL
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = defaults.OpenAI.Model
	}
	if c.OpenAI.ChatPath == "" {
		c.OpenAI.ChatPath = defaults.OpenAI.ChatPath
	}
	if c.OpenAI.RequestsPerMinute == 0 {
		c.OpenAI.RequestsPerMinute = defaults.OpenAI.RequestsPerMinute
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Storage.SaveDebounceMs == 0 {
		c.Storage.SaveDebounceMs = defaults.Storage.SaveDebounceMs
	}

	if c.Console.TimeoutSecs == 0 {
		c.Console.TimeoutSecs = defaults.Console.TimeoutSecs
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - OCTOVALVE_PROVIDER: overrides chat.default_provider
//   - OCTOVALVE_ACP_COMMAND: overrides acp.command
//   - OCTOVALVE_OPENAI_URL: overrides openai.base_url
//   - OCTOVALVE_OPENAI_KEY: overrides openai.api_key
//   - OCTOVALVE_OPENAI_MODEL: overrides openai.model
//   - OCTOVALVE_CONSOLE_URL: overrides console.base_url
//   - OCTOVALVE_CONSOLE_KEY: overrides console.api_key
//   - OCTOVALVE_MCP_COMMAND: overrides mcp.command
//   - OCTOVALVE_STORAGE: overrides storage.backend
//   - OCTOVALVE_MAX_TOOLS: overrides chat.max_concurrent_tools
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("OCTOVALVE_PROVIDER"); v != "" {
		c.Chat.DefaultProvider = v
	}
	if v := os.Getenv("OCTOVALVE_ACP_COMMAND"); v != "" {
		c.ACP.Command = v
	}
	if v := os.Getenv("OCTOVALVE_OPENAI_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OCTOVALVE_OPENAI_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OCTOVALVE_OPENAI_MODEL"); v != "" {
		c.OpenAI.Model = v
	}
	if v := os.Getenv("OCTOVALVE_CONSOLE_URL"); v != "" {
		c.Console.BaseURL = v
	}
	if v := os.Getenv("OCTOVALVE_CONSOLE_KEY"); v != "" {
		c.Console.APIKey = v
	}
	if v := os.Getenv("OCTOVALVE_MCP_COMMAND"); v != "" {
		c.MCP.Command = v
	}
	if v := os.Getenv("OCTOVALVE_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("OCTOVALVE_MAX_TOOLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chat.MaxConcurrentTools = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if !chat.Provider(c.Chat.DefaultProvider).Valid() {
		errs = append(errs, ValidationError{
			Field:   "chat.default_provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: acp, openai", c.Chat.DefaultProvider),
		})
	}
	if c.Chat.MaxConcurrentTools < 1 || c.Chat.MaxConcurrentTools > 64 {
		errs = append(errs, ValidationError{
			Field:   "chat.max_concurrent_tools",
			Message: fmt.Sprintf("must be 1-64, got %d", c.Chat.MaxConcurrentTools),
		})
	}
	if c.Chat.FlushIntervalMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.flush_interval_ms",
			Message: "must be non-negative",
		})
	}

	if c.OpenAI.BaseURL != "" {
		if _, err := url.Parse(c.OpenAI.BaseURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "openai.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}
	if c.OpenAI.RequestsPerMinute < 1 {
		errs = append(errs, ValidationError{
			Field:   "openai.requests_per_minute",
			Message: fmt.Sprintf("must be positive, got %d", c.OpenAI.RequestsPerMinute),
		})
	}

	validBackends := map[string]bool{"sqlite": true, "file": true, "memory": true}
	if !validBackends[strings.ToLower(c.Storage.Backend)] {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: sqlite, file, memory", c.Storage.Backend),
		})
	}
	if c.Storage.SaveDebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.save_debounce_ms",
			Message: "must be non-negative",
		})
	}

	if c.Console.BaseURL != "" {
		if _, err := url.Parse(c.Console.BaseURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "console.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}
	if c.Console.TimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "console.timeout_secs",
			Message: fmt.Sprintf("must be positive, got %d", c.Console.TimeoutSecs),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML file with owner
// read/write permissions only.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# octovalve configuration file")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
