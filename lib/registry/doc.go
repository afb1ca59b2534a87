// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry maps store addresses to open stores.
//
// A process usually needs the same record, context index or link store
// from several places. [Registry.OpenRecord], [Registry.OpenContext]
// and [Registry.OpenLinks] return the open store for an address, or
// create it: construct, restore from persistence, join its transport
// topic and start its periodic re-advertisement. Every Open returns its
// own handle; the store is shut down and leaves its topic when the last
// handle is closed.
//
// The registry also wires record stores to context indexes. Every
// change accepted by an open record store is forwarded to each open
// index whose secret the change adds, removes or keeps, and opening an
// index offers it the current envelope of every open record.
package registry
