// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the tessera binary: a tree of
// [Command] values with pflag flag sets, typo suggestions for unknown
// commands and flags, and the helpers commands share for loggers,
// passphrase prompts and JSONC documents.
package cli
