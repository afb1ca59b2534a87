// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts data under secrets that only authorized
// readers hold.
//
// [Seal] and [Open] are keyed by an arbitrary secret string: a record
// path or a context secret. The key is HKDF-SHA256 of the secret, the
// plaintext is zstd-compressed, and the result is sealed with
// XChaCha20-Poly1305 under a random 24-byte nonce. A sealed blob is
//
//	version (1 byte) || nonce (24 bytes) || ciphertext+tag
//
// with the version byte bound in as additional authenticated data.
// Anyone holding the secret can open the blob; nobody else learns
// anything but its length.
//
// [SealPassphrase] and [OpenPassphrase] protect key files at rest with
// an age scrypt recipient, ASCII-armored so the files are safe to copy
// around as text.
package sealed
