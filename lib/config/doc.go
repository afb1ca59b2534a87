// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for tessera nodes.
//
// Configuration is loaded from a single file specified by either the
// TESSERA_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production without its own section
// persists to SQLite and logs JSON.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${TESSERA_STATE} (the resolved node.state_dir), and
// ${VAR:-default} patterns are expanded. No other environment variables
// override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Node, Network, Storage, Log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other tessera packages.
package config
