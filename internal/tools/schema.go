// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools executes tool-call batches requested by the
// OpenAI-compatible provider.
package tools

// Definition is an OpenAI-style function tool schema.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ConsoleDefinitions builds the console tool schemas. The target list
// comes from the command-approval backend and constrains run_command
// to known targets. run_command is advertised only when runEnabled,
// which requires a configured MCP bridge to execute it.
func ConsoleDefinitions(targets []string, runEnabled bool) []Definition {
	targetEnum := make([]any, 0, len(targets))
	for _, t := range targets {
		targetEnum = append(targetEnum, t)
	}

	commandProps := map[string]any{
		"target": map[string]any{
			"type":        "string",
			"description": "Name of the target host to run the command on.",
		},
		"command": map[string]any{
			"type":        "string",
			"description": "Shell command to submit for approval and execution.",
		},
	}
	if len(targetEnum) > 0 {
		commandProps["target"].(map[string]any)["enum"] = targetEnum
	}

	defs := []Definition{
		{
			Name:        "list_targets",
			Description: "List the remote targets registered with the console.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
	if runEnabled {
		defs = append(defs, Definition{
			Name:        "run_command",
			Description: "Submit a shell command to a remote target via the approval pipeline.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": commandProps,
				"required":   []any{"target", "command"},
			},
		})
	}
	return defs
}
