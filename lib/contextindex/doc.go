// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package contextindex maintains the membership set of one context
// secret.
//
// A record joins a context by declaring the secret in its reserved
// "context" field; the writer then also seals the record's path under
// the secret. An [Index] holding the secret can open that entry,
// recover the path, and decrypt the value, so it discovers members
// without knowing their paths in advance. Peers without the secret see
// only opaque envelopes and learn nothing about membership.
//
// Entries are keyed by actor and path hash and ordered by the record's
// signed timestamp. A record that leaves the context keeps its entry
// as a tombstone (empty path), so a delayed copy of an older member
// envelope is rejected by timestamp instead of resurrecting it.
//
// Inputs come from two directions: raw envelopes from peers or relays
// ([Index.Offer]) and verified changes from local record stores
// ([Index.Observe]). Consumers read the set with [Index.ListMembers]
// and follow it with [Index.Subscribe].
package contextindex
