// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for the console
// core.
//
// Configuration is TOML with built-in defaults, environment variable
// overrides, and validation. The file lives at ~/.octovalve/config.toml
// unless an explicit path is given.
package config
