// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope builds and checks selectively-disclosed signed
// records.
//
// A record lives at a secret path. The path is both its address and the
// key its value is sealed under, so only peers that know the path can
// read it. What is signed and published is:
//
//	updated            write timestamp, strictly increasing per actor+path
//	pathHash           digest.String(path)
//	encryptedValue     sealed.Seal(cbor(value), path)
//	encryptedContexts  digest.String(C) -> sealed.Seal(path, C), for each
//	                   context secret C the value declares
//
// [Verify] discloses as much as the caller's secrets allow. With the
// path it returns the value. With a context secret the record was
// indexed under it first recovers the path from encryptedContexts, which
// is how a context member discovers records it was never told about.
// With neither it returns metadata only, so any peer can relay and
// order envelopes without being able to read them.
//
// A reader that decrypts a value also checks every context the value
// declares against encryptedContexts. A writer cannot claim membership
// in a context without actually publishing its path to that context.
package envelope
