// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). The garbage collector never
// sees it, so an actor's Ed25519 private key or a decrypted key file
// does not linger in heap copies after [Buffer.Close] zeroes and unmaps
// it. Reading a closed buffer panics.
package secret
