// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile implements the have/want/give anti-entropy exchange
// shared by every replicated store.
//
// A [Reconciler] joins one transport topic on behalf of one store (its
// [Replica]) and keeps the set of peers announced on that topic. The
// exchange is:
//
//   - have: a peer advertises {id: deleted}. The reconciler wants
//     exactly the ids it lacks, plus those it holds live where the
//     advertisement says deleted.
//   - want: a peer requests ids. The reconciler gives every id it holds
//     in a state at least as advanced as the one requested.
//   - give / record: a peer delivers a signed item. The replica
//     verifies and merges it.
//
// On first contact with a peer, and again on every tick of [Run], the
// replica's full announcement is sent to the peer. Stores call
// [Reconciler.Gossip] after accepting a change so it reaches a sample of
// peers right away; periodic announcements close whatever gaps sampling
// leaves.
//
// Inbound failures of any kind are logged at debug level and dropped.
// A misbehaving peer cannot make a store fail, and is not disconnected.
package reconcile
