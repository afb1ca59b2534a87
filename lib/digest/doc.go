// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes the public hashes of the replication protocol.
//
// Secret strings (record paths, context secrets) are never published.
// What peers exchange instead is [String], the hex SHA-256 of the secret:
// it addresses a record's encrypted path or a context's encrypted entry
// without revealing the secret itself. [Canonical] hashes an arbitrary
// value through its deterministic CBOR encoding so two peers hashing the
// same link target agree byte for byte.
//
// Link identifiers and transport topics use BLAKE3 in keyed mode with a
// fixed domain key per use, so a link id can never collide with a topic
// or with a path hash computed from the same bytes.
package digest
