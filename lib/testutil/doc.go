// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Tessera packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. [Settle]
// applies the same valve to anything that can wait for quiescence, such
// as a transport.MemoryNetwork.
//
// [NewKeyring] returns a keyring holding one fresh actor, closed when
// the test completes.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation, such as distinct secret paths and context secrets
// within one test binary.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
