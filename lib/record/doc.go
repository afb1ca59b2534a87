// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package record holds one actor's record at one secret path and keeps
// it converged with peers.
//
// A Store is last-write-wins by the signed timestamp: an envelope is
// accepted only if it was written by the store's actor and its
// timestamp is strictly greater than the current one, so ties keep the
// existing state and every replica that sees the same envelopes ends in
// the same state regardless of arrival order. Deletion writes an empty
// value with a new timestamp; the record itself is never removed.
//
// Only the store's own actor can write ([Store.Update]); every other
// process holding the path is a read replica fed by [Store.Receive] and
// the reconciler. Accepted changes are written through to a
// [persist.Store], reported to observers as a [Change] carrying the
// context memberships gained and lost, and re-gossiped.
package record
