// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store manages the durable session collection: CRUD, active
// selection, and debounced persistence to a key-value backend.
package store
