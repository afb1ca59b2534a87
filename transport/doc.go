// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries replication traffic between nodes.
//
// Stores talk to the network through [Mux]: each store joins one topic
// and receives a [Wire] for sending on it plus [Handler] callbacks for
// messages and for peers appearing on and leaving the topic. Topics are
// opaque hashes, so several stores share one connection per peer
// without revealing what they replicate.
//
// Two Mux implementations exist. [MemoryNetwork] connects in-process
// nodes and can partition and heal links between them; its Settle
// method waits for every queued delivery, which makes convergence tests
// deterministic. [Mesh] runs over real connections: any [Listener] and
// [Dialer] pair works, with [TCPListener]/[TCPDialer] for reachable
// hosts and [WebRTCTransport] for nodes behind NAT.
//
// Mesh connections begin with a mutual Ed25519 challenge-response
// handshake ([PeerAuthenticator]). A node's PeerID is its actor id, so
// the key that verifies a peer is embedded in the id it claims, and a
// signature is bound to the challenger's id so it cannot be replayed
// against a third node. After the handshake, traffic is a sequence of
// length-prefixed CBOR frames (join, leave, data) whose bodies may be
// compressed with LZ4 or zstd ([Compression]). When two nodes dial each
// other at once, both keep the connection dialed by the smaller id.
//
// [WebRTCTransport] keeps one PeerConnection per peer with an
// SCTP-multiplexed data channel per dial. Signaling is abstracted
// behind [Signaler]; [MemorySignaler] is an in-process implementation and
// [DirSignaler] exchanges offers and answers through a shared directory.
// Connection establishment uses vanilla ICE (all candidates gathered
// before signaling). [DataChannelConn] adapts a detached, message
// oriented data channel to a byte stream with deadline support.
// [ICEConfig] holds STUN/TURN server configuration.
package transport
