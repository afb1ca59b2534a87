// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persist is the durable key/value layer behind the stores.
//
// Stores write through on every accepted mutation and reload on open.
// Writes are at-least-once: a write lost to a crash is repaired by
// anti-entropy once the peer reconnects, so nothing here needs
// transactions spanning more than one key.
//
// Keys are namespaced by store:
//
//	record/<actor>/<pathHash>   the latest envelope of one record
//	link/<sourceHash>/<id>      one link and its capability
//
// [Memory] keeps everything in process and suits tests and ephemeral
// nodes. [SQLite] stores entries in a single table through
// lib/sqlitepool.
package persist
