// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package link replicates the set of directed edges leaving one source.
//
// Every state transition of a link is authorized by a [Capability]: an
// actor's signature over (source, target hash, salt, deleted). A
// creating capability carries the target document, whose canonical
// CBOR hash must match the signed target hash. Possessing a capability
// is necessary and sufficient to apply it, so capabilities can be
// minted offline and handed to any process that holds the source.
//
// A link's id is derived from the source hash, target hash, salt and
// actor, so it is the same everywhere without coordination. Each id
// moves from live to deleted at most once. Deleted links stay in the
// [Store] as tombstones forever; a re-announced live capability for a
// tombstoned id is rejected with protocol.ErrDuplicateOrStale.
//
// Stores replicate with the have/want/give exchange of package
// reconcile: a store advertises every id it holds with its deleted
// flag, peers want the ids they are missing or hold in a weaker state,
// and the holder gives the signed capability.
package link
