// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the contract between the orchestrator and
// the chat backends.
//
// Both adapters (ACP and OpenAI-compatible) normalize their transport's
// loosely-shaped wire events into the typed Event variants here; all
// downstream logic operates only on the typed form. Adapters never
// touch the session model directly; the orchestrator owns every
// timeline mutation.
package provider
