// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools executes tool-call batches requested by the
// OpenAI-compatible provider and defines the console tool schemas.
//
// Execution is a bounded worker pool with a shared cancellation
// signal: starting a new batch cancels the previous one, so at most
// one batch is ever in flight. Individual failures never abort
// siblings; every call settles with its own result text.
package tools
