// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// Signaler exchanges WebRTC session descriptions between nodes. Nodes
// sharing a MemorySignaler can connect in-process; deployments supply
// a Signaler backed by whatever rendezvous service they run.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer, then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer from self to target.
	PublishOffer(ctx context.Context, self, target PeerID, sdp string) error

	// PublishAnswer publishes a complete SDP answer from self to the
	// offerer of a previously received offer.
	PublishAnswer(ctx context.Context, offerer, self PeerID, sdp string) error

	// PollOffers returns offers directed at self that were not
	// returned by an earlier call.
	PollOffers(ctx context.Context, self PeerID) ([]SignalMessage, error)

	// PollAnswers returns answers to offers self originated that were
	// not returned by an earlier call.
	PollAnswers(ctx context.Context, self PeerID) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for received offers, the
	// answerer for received answers.
	Peer PeerID

	// SDP is the complete Session Description Protocol string with all
	// ICE candidates embedded.
	SDP string

	// Timestamp is the RFC 3339 creation time of the signal.
	Timestamp string
}
