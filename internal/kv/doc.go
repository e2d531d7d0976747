// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kv provides the key-value storage the session store and
// settings persist through.
//
// Three backends share one interface: SQLite for the normal on-disk
// deployment, a JSON file for environments without SQLite, and an
// in-memory map for tests and ephemeral runs.
package kv
