// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Tessera's standard CBOR encoding configuration.
//
// Everything Tessera signs, hashes or puts on the wire is CBOR: envelope
// payloads, capability payloads, link targets (for target hashing),
// protocol messages and persisted store entries. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical data always
// produces identical bytes, which is what makes a target hash or a
// signature reproducible on another peer.
//
// Two decoders are provided:
//
//   - [Unmarshal] accepts standard CBOR and ignores unknown struct
//     fields. Use it for local state the process wrote itself.
//   - [UnmarshalStrict] rejects unknown struct fields and duplicate map
//     keys. Use it for anything that arrived from a peer and whose shape
//     must be validated exactly.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.UnmarshalStrict(data, &value)
//
// For stream-oriented operations (mesh connections):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types in this module use `cbor` struct tags only. Values decoded into
// an any-typed target become map[string]any, []any, string, uint64,
// int64, float64, bool or nil.
package codec
