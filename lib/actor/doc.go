// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package actor provides actor identities and the signing collaborator
// the replication stores consume.
//
// An actor [ID] is "actor:" followed by the unpadded base64url encoding
// of an Ed25519 public key. Because the key is recoverable from the id,
// any peer can verify an actor's signature without a directory lookup.
//
// Stores never touch private keys. They call a [Client]: CurrentActor
// names the identity local writes are attributed to, Sign produces a
// signature for a given actor, and Verify checks a signature against a
// public key. [Keyring] is the in-process implementation, holding Ed25519
// seeds in [secret.Buffer] memory and loading them from passphrase-sealed
// key files.
//
// [Signed] is the signed container used for record envelopes and link
// capabilities: an actor, an opaque payload, and the actor's signature
// over that payload.
package actor
