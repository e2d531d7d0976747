// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package console is the client for the command-approval backend.
//
// The backend fronts the remote targets: it lists them, holds submitted
// commands in an approval queue, and keeps a bounded history of
// results. This client covers the read surface plus the queue
// moderation endpoints; command execution itself flows through the
// provider tool pipeline, not through this package.
package console
