// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

// signalingPollInterval is how often the transport polls for inbound
// signaling offers.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate gathering
// to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the dialer polls for an SDP answer after
// publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before giving up.
const answerTimeout = 30 * time.Second

// iceConnectTimeout is the maximum time to wait for a PeerConnection to
// reach the Connected state after setting the remote description.
const iceConnectTimeout = 30 * time.Second

// WebRTCTransport carries mesh connections over WebRTC data channels,
// reaching nodes behind NAT. It implements both Listener and Dialer
// because both directions share the same pool of PeerConnections.
//
// Each peer node gets one PeerConnection with potentially many data
// channels. Each DialContext call opens a new data channel on the
// existing PeerConnection (or establishes a new PeerConnection if none
// exists). Serve hands inbound data channels to the mesh.
//
// Addresses are node ids. Connection establishment uses vanilla ICE:
// all candidates are gathered before the SDP is published, so
// signaling requires exactly one round-trip.
type WebRTCTransport struct {
	signaler Signaler
	self     PeerID
	logger   *slog.Logger

	// iceConfig is the ICE server configuration. Protected by configMu
	// because UpdateICEConfig may replace TURN credentials at any time.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu    sync.Mutex
	peers map[PeerID]*peerState

	// inboundConnections carries data channels opened by remote peers,
	// wrapped as net.Conn. Serve reads from this channel and hands each
	// connection to its handle function.
	inboundConnections chan net.Conn

	// ready is closed when Serve has started the signaling poller and is
	// ready to accept inbound connections. Callers can wait on Ready()
	// before dialing.
	ready     chan struct{}
	readyOnce sync.Once

	// closed signals shutdown.
	closed    chan struct{}
	closeOnce sync.Once

	// channelCounter generates unique data channel labels.
	channelCounter atomic.Uint64
}

// peerState tracks the WebRTC PeerConnection to a single remote node.
// Callers hold WebRTCTransport.mu when reading or modifying the peers
// map.
type peerState struct {
	connection  *webrtc.PeerConnection
	peer        PeerID
	established chan struct{} // closed when ICE reaches Connected/Completed
}

// NewWebRTCTransport creates a WebRTC transport for the node self. The
// signaler exchanges SDP offers and answers with other nodes.
func NewWebRTCTransport(signaler Signaler, self PeerID, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebRTCTransport{
		signaler:           signaler,
		self:               self,
		iceConfig:          iceConfig,
		logger:             logger,
		peers:              make(map[PeerID]*peerState),
		inboundConnections: make(chan net.Conn, 64),
		ready:              make(chan struct{}),
		closed:             make(chan struct{}),
	}
}

// Ready returns a channel that is closed when Serve has started the
// signaling poller and is ready to accept inbound connections.
func (wt *WebRTCTransport) Ready() <-chan struct{} {
	return wt.ready
}

// Serve polls for inbound signaling offers and hands every data
// channel a peer opens to handle on its own goroutine. Blocks until ctx
// is cancelled or Close is called.
func (wt *WebRTCTransport) Serve(ctx context.Context, handle func(net.Conn)) error {
	go wt.signalingPoller(ctx)
	wt.readyOnce.Do(func() { close(wt.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wt.closed:
			return nil
		case conn := <-wt.inboundConnections:
			go handle(conn)
		}
	}
}

// Address returns the node id. Peers dial it through signaling.
func (wt *WebRTCTransport) Address() string {
	return string(wt.self)
}

// Close shuts down all PeerConnections and stops the signaling poller.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() {
		close(wt.closed)
	})

	wt.mu.Lock()
	defer wt.mu.Unlock()

	for id, peer := range wt.peers {
		peer.connection.Close()
		delete(wt.peers, id)
	}
	return nil
}

// UpdateICEConfig replaces the ICE configuration for new PeerConnections.
// Existing PeerConnections continue using their current configuration;
// new connections will use the updated config.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// DialContext opens a data channel to the node whose id is address. If
// no PeerConnection exists to that node, it creates one by publishing an
// SDP offer and waiting for the answer. Each call creates a new
// ordered, reliable data channel.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.getOrCreatePeer(ctx, PeerID(address))
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", address, err)
	}

	// Wait for the PeerConnection to be established.
	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	return wt.openDataChannel(peer)
}

// getOrCreatePeer returns the peerState for the given node,
// creating and signaling a new PeerConnection if necessary. If another
// goroutine is already establishing a connection to this peer, callers
// wait for that attempt rather than starting a parallel one.
func (wt *WebRTCTransport) getOrCreatePeer(ctx context.Context, peerID PeerID) (*peerState, error) {
	wt.mu.Lock()

	if peer, ok := wt.peers[peerID]; ok {
		state := peer.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed {
			wt.mu.Unlock()
			return peer, nil
		}
		// Connection is dead. Tear down and re-establish.
		peer.connection.Close()
		delete(wt.peers, peerID)
	}

	// Create the PeerConnection and store it in the map before releasing
	// the lock. This ensures concurrent callers find this entry and wait
	// on peer.established instead of starting duplicate signaling.
	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerState{
		connection:  pc,
		peer:        peerID,
		established: make(chan struct{}),
	}
	wt.peers[peerID] = peer
	wt.mu.Unlock()

	// Run signaling outside the lock. On failure, clean up the map entry
	// so the next caller retries.
	if err := wt.establishOutbound(ctx, peer); err != nil {
		wt.mu.Lock()
		if current, ok := wt.peers[peerID]; ok && current == peer {
			delete(wt.peers, peerID)
		}
		wt.mu.Unlock()
		pc.Close()
		return nil, err
	}

	return peer, nil
}

// establishOutbound performs SDP signaling for a PeerConnection that is
// already stored in the peers map. The caller must have created the
// PeerConnection and registered it before calling this. On success the
// peer.established channel will be closed by the ICE state handler.
func (wt *WebRTCTransport) establishOutbound(ctx context.Context, peer *peerState) error {
	peerID := peer.peer
	pc := peer.connection

	// Register inbound data channel handler (the peer may open channels to us).
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peerID)
	})

	// Monitor ICE connection state.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peerID, peer, state)
	})

	// The init channel only forces pion to include a data channel
	// section in the SDP. The remote side discards it.
	if _, err := pc.CreateDataChannel("init", nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	// Create and set the local SDP offer.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	// Wait for ICE gathering to complete (vanilla ICE).
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	// Publish the complete SDP offer.
	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishOffer(ctx, wt.self, peerID, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}

	wt.logger.Debug("webrtc offer published", "peer", peerID)

	// Poll for the answer.
	answerSDP, err := wt.waitForAnswer(ctx, peerID)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peerID, err)
	}

	// Set the remote description.
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wt.logger.Info("webrtc outbound connection established", "peer", peerID)
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the specified peer.
func (wt *WebRTCTransport) waitForAnswer(ctx context.Context, peerID PeerID) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wt.signaler.PollAnswers(ctx, wt.self)
			if err != nil {
				wt.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == peerID {
					return answer.SDP, nil
				}
			}
		}
	}
}

// signalingPoller runs in the background and checks for incoming SDP offers
// from peer nodes.
func (wt *WebRTCTransport) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
			wt.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers checks for new SDP offers and answers them.
func (wt *WebRTCTransport) processInboundOffers(ctx context.Context) {
	offers, err := wt.signaler.PollOffers(ctx, wt.self)
	if err != nil {
		wt.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		wt.mu.Lock()
		existing, hasExisting := wt.peers[offer.Peer]
		wt.mu.Unlock()

		if hasExisting {
			state := existing.connection.ICEConnectionState()
			if state != webrtc.ICEConnectionStateFailed &&
				state != webrtc.ICEConnectionStateClosed {
				// Signaling race: both sides offered. The smaller id
				// is the canonical offerer.
				if offer.Peer > wt.self {
						continue
				}
				wt.mu.Lock()
				existing.connection.Close()
				delete(wt.peers, offer.Peer)
				wt.mu.Unlock()
			} else {
				wt.mu.Lock()
				existing.connection.Close()
				delete(wt.peers, offer.Peer)
				wt.mu.Unlock()
			}
		}

		if err := wt.answerOffer(ctx, offer); err != nil {
			wt.logger.Warn("answering webrtc offer failed",
				"peer", offer.Peer,
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an incoming SDP offer.
func (wt *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerState{
		connection:  pc,
		peer:        offer.Peer,
		established: make(chan struct{}),
	}

	// Register inbound data channel handler.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, offer.Peer)
	})

	// Monitor ICE connection state.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(offer.Peer, peer, state)
	})

	// Set the remote offer.
	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	// Create answer.
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	// Wait for ICE gathering to complete.
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	// Publish the complete answer.
	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishAnswer(ctx, offer.Peer, wt.self, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	// Store the peer.
	wt.mu.Lock()
	wt.peers[offer.Peer] = peer
	wt.mu.Unlock()

	wt.logger.Info("webrtc inbound connection answered",
		"peer", offer.Peer,
	)

	return nil
}

// handleInboundDataChannel wraps an incoming data channel as a net.Conn
// and queues it for Serve.
func (wt *WebRTCTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peerID PeerID) {
	// Nothing is ever sent on the init channel, and a blocked reader on
	// an idle SCTP stream contends with the association's other
	// streams.
	if dc.Label() == "init" {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	wt.logger.Debug("inbound data channel received",
		"peer", peerID,
		"label", dc.Label(),
	)
	dc.OnOpen(func() {
		wt.logger.Debug("inbound data channel opened",
			"peer", peerID,
			"label", dc.Label(),
		)
		rawChannel, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peerID,
				"label", dc.Label(),
				"error", err,
			)
			return
		}

		conn := NewDataChannelConn(
			rawChannel,
			string(wt.self)+"/"+dc.Label(),
			string(peerID)+"/"+dc.Label(),
		)

		select {
		case wt.inboundConnections <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

// handleICEStateChange monitors PeerConnection state and manages the
// established signal.
func (wt *WebRTCTransport) handleICEStateChange(peerID PeerID, peer *peerState, state webrtc.ICEConnectionState) {
	wt.logger.Debug("ice state change",
		"peer", peerID,
		"state", state.String(),
	)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		// Signal that the connection is ready for data channels.
		select {
		case <-peer.established:
			// Already signaled.
		default:
			close(peer.established)
		}

	case webrtc.ICEConnectionStateFailed:
		wt.logger.Warn("webrtc connection failed, will re-establish on next dial",
			"peer", peerID,
		)
		// getOrCreatePeer replaces failed connections on the next dial.

	case webrtc.ICEConnectionStateClosed:
		wt.mu.Lock()
		if current, ok := wt.peers[peerID]; ok && current == peer {
			delete(wt.peers, peerID)
		}
		wt.mu.Unlock()
	}
}

// openDataChannel creates a new ordered, reliable data channel on the
// peer's PeerConnection and returns it as a net.Conn.
func (wt *WebRTCTransport) openDataChannel(peer *peerState) (net.Conn, error) {
	counter := wt.channelCounter.Add(1)
	label := fmt.Sprintf("mesh-%d", counter)

	wt.logger.Debug("opening data channel",
		"label", label,
		"peer", peer.peer,
	)

	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	// Wait for the data channel to open.
	openChan := make(chan struct{})
	dc.OnOpen(func() {
		wt.logger.Debug("data channel opened", "label", label, "peer", peer.peer)
		close(openChan)
	})

	select {
	case <-openChan:
	case <-time.After(10 * time.Second):
		wt.logger.Warn("data channel open timed out", "label", label, "peer", peer.peer)
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within 10s", label)
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	return NewDataChannelConn(
		rawChannel,
		string(wt.self)+"/"+label,
		string(peer.peer)+"/"+label,
	), nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE config.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: wt.iceConfig.Servers,
	}
	wt.configMu.RUnlock()

	// Detached channels give DataChannelConn a ReadWriteCloser. Loopback
	// candidates let nodes on one machine connect.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
