// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator is the facade over the chat core: it routes
// sends to the active provider adapter, applies normalized provider
// events to the session timeline, and manages provider lifecycle
// transitions.
//
// The orchestrator is the only writer of session state. Adapters parse
// and normalize; every timeline mutation, including the single
// "current assistant message" pointer that in-flight deltas route to,
// happens here under one mutex.
package orchestrator
