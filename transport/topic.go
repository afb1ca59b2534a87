// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

// PeerID identifies a node on the network. Mesh nodes use their node
// actor id, so a peer's claimed identity can be checked against its
// public key.
type PeerID string

// DefaultFanout is the number of peers a gossip reaches when the caller
// does not choose.
const DefaultFanout = 5

var (
	// ErrTopicJoined is returned by Join for a topic the node already
	// joined.
	ErrTopicJoined = errors.New("transport: topic already joined")

	// ErrUnknownPeer is returned by Send for a peer that is not
	// reachable on the topic.
	ErrUnknownPeer = errors.New("transport: peer not on topic")

	// ErrLeft is returned by a Wire used after Leave.
	ErrLeft = errors.New("transport: topic left")
)

// Handler receives the traffic of one topic. Calls for one node are
// serialized: a handler never sees two callbacks at once.
type Handler interface {
	// OnMessage delivers data sent to this node on the topic.
	OnMessage(ctx context.Context, peer PeerID, data []byte)

	// OnPeerAnnounced reports a peer joining the topic (or becoming
	// reachable again).
	OnPeerAnnounced(ctx context.Context, peer PeerID)

	// OnPeerUnannounced reports a peer leaving the topic or becoming
	// unreachable.
	OnPeerUnannounced(peer PeerID)
}

// Wire sends on one joined topic.
type Wire interface {
	// Send delivers data to peer. Sending to the local node delivers
	// to the local handler.
	Send(ctx context.Context, peer PeerID, data []byte) error

	// Gossip sends data to at most fanout peers sampled from peers.
	// fanout <= 0 selects DefaultFanout.
	Gossip(ctx context.Context, peers []PeerID, data []byte, fanout int) error

	// Leave stops delivery to the handler and unannounces this node to
	// the topic's peers.
	Leave() error
}

// Mux multiplexes topics over one node's peer connections. Topics are
// opaque strings; stores use digest.Topic so an observer of the network
// learns no secret addresses.
type Mux interface {
	// Self returns the local node's id.
	Self() PeerID

	// Join registers handler for topic. The handler is told about
	// every peer already on the topic.
	Join(topic string, handler Handler) (Wire, error)
}

// Sample returns up to fanout peers chosen uniformly from peers.
// fanout <= 0 selects DefaultFanout. The input slice is not modified.
func Sample(peers []PeerID, fanout int) []PeerID {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	if len(peers) <= fanout {
		return slices.Clone(peers)
	}
	shuffled := slices.Clone(peers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:fanout]
}

// gossip sends data to a sample of peers through send, joining errors.
func gossip(ctx context.Context, peers []PeerID, data []byte, fanout int, send func(context.Context, PeerID, []byte) error) error {
	var errs []error
	for _, peer := range Sample(peers, fanout) {
		if err := send(ctx, peer, data); err != nil {
			errs = append(errs, fmt.Errorf("gossip to %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}
