// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite connection pools with the pragmas
// Tessera's durable stores expect.
//
// It is a thin layer over zombiezen.com/go/sqlite/sqlitex.Pool. Callers
// [Pool.Take] a connection, run SQL with sqlitex.Execute, and [Pool.Put]
// it back; [Pool.Do] wraps that sequence. Connections are not safe for
// concurrent use.
//
// Every connection is prepared with:
//
//   - journal_mode=WAL so readers never block the single writer
//   - synchronous=NORMAL, which survives process crashes; anti-entropy
//     repairs anything lost to an OS crash
//   - busy_timeout=5000 to wait out write contention
//   - temp_store=MEMORY
//
// followed by the caller's OnConnect hook, which is where schema
// creation belongs.
package sqlitepool
