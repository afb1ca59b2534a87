// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tessera/lib/clock"
)

// DefaultReconnectInterval is how long a Mesh waits before redialing a
// configured peer whose connection failed or dropped.
const DefaultReconnectInterval = 5 * time.Second

// meshWriteTimeout bounds one frame write to a peer.
const meshWriteTimeout = 30 * time.Second

// ErrMeshClosed is returned by operations on a closed Mesh.
var ErrMeshClosed = errors.New("transport: mesh closed")

// MeshConfig configures a Mesh.
type MeshConfig struct {
	// Authenticator proves this node's identity. Its Self is the
	// node's PeerID. Required.
	Authenticator *PeerAuthenticator

	// Listener accepts inbound connections. Nil makes a dial-only
	// node. The Mesh closes it on Close.
	Listener Listener

	// Dialer opens outbound connections. Required when Peers is not
	// empty.
	Dialer Dialer

	// Peers lists addresses Run keeps connected.
	Peers []string

	// Compression is applied to outbound frame bodies large enough to
	// benefit.
	Compression Compression

	// ReconnectInterval defaults to DefaultReconnectInterval.
	ReconnectInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Mesh multiplexes topics over authenticated connections to peer
// nodes. It implements Mux over any Listener and Dialer.
//
// Every connection starts with a mutual challenge-response handshake
// (see PeerAuthenticator). After that each side sends a join frame for
// every topic it has joined; a peer is announced on a topic once both
// sides have joined it, and unannounced when either side leaves or the
// connection drops. At most one connection per peer is kept: when two
// nodes dial each other at once, both keep the connection dialed by the
// smaller id.
//
// Handler callbacks run on one goroutine per Mesh in arrival order.
type Mesh struct {
	config MeshConfig
	self   PeerID
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	deliveries *deliveryQueue

	mu     sync.Mutex
	topics map[string]*membership
	conns  map[PeerID]*meshConn
	closed bool
}

// meshConn is one authenticated connection.
type meshConn struct {
	peer   PeerID
	conn   net.Conn
	dialer PeerID
	done   chan struct{}

	writeMu sync.Mutex

	// remoteTopics is guarded by Mesh.mu.
	remoteTopics map[string]bool
}

var _ Mux = (*Mesh)(nil)

// NewMesh returns a Mesh that is ready to Join topics. Call Run to
// start accepting and dialing.
func NewMesh(config MeshConfig) (*Mesh, error) {
	if config.Authenticator == nil {
		return nil, errors.New("transport: mesh requires an Authenticator")
	}
	if err := config.Authenticator.Self.Validate(); err != nil {
		return nil, fmt.Errorf("transport: mesh identity: %w", err)
	}
	if len(config.Peers) > 0 && config.Dialer == nil {
		return nil, errors.New("transport: mesh has peers but no Dialer")
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	self := PeerID(config.Authenticator.Self)
	return &Mesh{
		config:     config,
		self:       self,
		clock:      config.Clock,
		logger:     logger.With("node", self),
		ctx:        ctx,
		cancel:     cancel,
		deliveries: newDeliveryQueue(),
		topics:     make(map[string]*membership),
		conns:      make(map[PeerID]*meshConn),
	}, nil
}

// Self implements Mux.
func (m *Mesh) Self() PeerID { return m.self }

// Run accepts inbound connections and keeps every configured peer
// connected until ctx is cancelled. Returns the listener's error, or
// nil on clean shutdown.
func (m *Mesh) Run(ctx context.Context) error {
	var waitGroup sync.WaitGroup
	for _, address := range m.config.Peers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			m.maintain(ctx, address)
		}()
	}

	var serveErr error
	if m.config.Listener != nil {
		m.logger.Info("mesh listening", "address", m.config.Listener.Address())
		serveErr = m.config.Listener.Serve(ctx, func(conn net.Conn) {
			if _, err := m.attach(ctx, conn, "", false); err != nil {
				m.logger.Warn("inbound connection rejected", "remote", conn.RemoteAddr().String(), "error", err)
			}
		})
	}
	<-ctx.Done()
	waitGroup.Wait()
	return serveErr
}

// Connect dials address and attaches the connection. It returns the
// authenticated peer. Connecting to a peer that already has a
// connection keeps whichever the tie-break selects.
func (m *Mesh) Connect(ctx context.Context, address string) (PeerID, error) {
	mc, err := m.connect(ctx, address)
	if err != nil {
		return "", err
	}
	return mc.peer, nil
}

func (m *Mesh) connect(ctx context.Context, address string) (*meshConn, error) {
	if m.config.Dialer == nil {
		return nil, errors.New("transport: mesh has no Dialer")
	}
	conn, err := m.config.Dialer.DialContext(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	var expected PeerID
	if _, ok := m.config.Dialer.(*WebRTCTransport); ok {
		expected = PeerID(address)
	}
	return m.attach(ctx, conn, expected, true)
}

// maintain keeps a connection to address until ctx ends.
func (m *Mesh) maintain(ctx context.Context, address string) {
	for {
		mc, err := m.connect(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("connecting to peer failed", "address", address, "error", err)
		} else {
			select {
			case <-mc.done:
				m.logger.Info("peer connection lost", "address", address, "peer", mc.peer)
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-m.clock.After(m.config.ReconnectInterval):
		case <-ctx.Done():
			return
		}
	}
}

// attach authenticates conn and registers it. It returns the
// connection that ends up serving the peer, which is an existing one
// when the tie-break discards conn.
func (m *Mesh) attach(ctx context.Context, conn net.Conn, expected PeerID, dialed bool) (*meshConn, error) {
	conn.SetDeadline(time.Now().Add(authTimeout)) //nolint:realclock net deadlines are wall-clock
	peer, err := runPeerAuth(ctx, conn, m.config.Authenticator, expected)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	if peer == m.self {
		conn.Close()
		return nil, fmt.Errorf("%w: connected to self", ErrPeerAuthentication)
	}

	mc := &meshConn{
		peer:         peer,
		conn:         conn,
		done:         make(chan struct{}),
		remoteTopics: make(map[string]bool),
	}
	if dialed {
		mc.dialer = m.self
	} else {
		mc.dialer = peer
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrMeshClosed
	}
	if existing, ok := m.conns[peer]; ok {
		preferred := min(m.self, peer)
		if existing.dialer == preferred && mc.dialer != preferred {
			m.mu.Unlock()
			conn.Close()
			m.logger.Debug("duplicate peer connection discarded", "peer", peer)
			return existing, nil
		}
		// The replaced connection's topics are forgotten without
		// unannouncing: the peer re-sends its joins on the new one.
		existing.conn.Close()
		m.logger.Debug("peer connection replaced", "peer", peer)
	}
	m.conns[peer] = mc
	var joins []frame
	for topic := range m.topics {
		joins = append(joins, frame{Kind: frameJoin, Topic: topic})
	}
	m.mu.Unlock()

	m.logger.Info("peer connected", "peer", peer, "remote", conn.RemoteAddr().String())
	go m.readLoop(mc)
	for _, join := range joins {
		if err := m.write(mc, join); err != nil {
			m.logger.Debug("sending join failed", "peer", peer, "error", err)
			break
		}
	}
	return mc, nil
}

// readLoop dispatches frames from mc until the connection fails.
func (m *Mesh) readLoop(mc *meshConn) {
	defer m.detach(mc)
	reader := bufio.NewReader(mc.conn)
	for {
		received, err := readFrame(reader)
		if err != nil {
			if isExpectedClose(err) {
				m.logger.Debug("peer connection closed", "peer", mc.peer)
			} else {
				m.logger.Warn("peer connection failed", "peer", mc.peer, "error", err)
			}
			return
		}
		m.dispatch(mc, received)
	}
}

func (m *Mesh) dispatch(mc *meshConn, received frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[mc.peer] != mc {
		return
	}
	topic := received.Topic
	_, joined := m.topics[topic]
	switch received.Kind {
	case frameJoin:
		if mc.remoteTopics[topic] {
			return
		}
		mc.remoteTopics[topic] = true
		if joined {
			m.enqueueLocked(topic, func(h Handler) { h.OnPeerAnnounced(m.ctx, mc.peer) })
		}
	case frameLeave:
		if !mc.remoteTopics[topic] {
			return
		}
		delete(mc.remoteTopics, topic)
		if joined {
			m.enqueueLocked(topic, func(h Handler) { h.OnPeerUnannounced(mc.peer) })
		}
	case frameData:
		if joined {
			data := received.Data
			m.enqueueLocked(topic, func(h Handler) { h.OnMessage(m.ctx, mc.peer, data) })
		}
	}
}

// detach unregisters mc after its connection ended.
func (m *Mesh) detach(mc *meshConn) {
	mc.conn.Close()
	close(mc.done)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[mc.peer] != mc {
		return
	}
	delete(m.conns, mc.peer)
	for topic := range mc.remoteTopics {
		if _, joined := m.topics[topic]; joined {
			m.enqueueLocked(topic, func(h Handler) { h.OnPeerUnannounced(mc.peer) })
		}
	}
	m.logger.Info("peer disconnected", "peer", mc.peer)
}

// write sends one frame on mc.
func (m *Mesh) write(mc *meshConn, outbound frame) error {
	encoded, err := encodeFrame(outbound, m.config.Compression)
	if err != nil {
		return err
	}
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	mc.conn.SetWriteDeadline(time.Now().Add(meshWriteTimeout)) //nolint:realclock net deadlines are wall-clock
	if _, err := mc.conn.Write(encoded); err != nil {
		mc.conn.Close()
		return fmt.Errorf("writing to %s: %w", mc.peer, err)
	}
	return nil
}

// broadcast sends outbound to every connection. Failures close the
// failing connection; its read loop reports the loss.
func (m *Mesh) broadcast(conns []*meshConn, outbound frame) {
	for _, mc := range conns {
		if err := m.write(mc, outbound); err != nil {
			m.logger.Debug("broadcast failed", "peer", mc.peer, "error", err)
		}
	}
}

// Join implements Mux.
func (m *Mesh) Join(topic string, handler Handler) (Wire, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMeshClosed
	}
	if _, ok := m.topics[topic]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTopicJoined, topic)
	}
	joined := &membership{handler: handler}
	m.topics[topic] = joined
	conns := make([]*meshConn, 0, len(m.conns))
	for _, mc := range m.conns {
		conns = append(conns, mc)
		if mc.remoteTopics[topic] {
			peer := mc.peer
			m.enqueueLocked(topic, func(h Handler) { h.OnPeerAnnounced(m.ctx, peer) })
		}
	}
	m.mu.Unlock()

	m.broadcast(conns, frame{Kind: frameJoin, Topic: topic})
	return &meshWire{mesh: m, topic: topic, membership: joined}, nil
}

// Peers returns the connected peers in sorted order.
func (m *Mesh) Peers() []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]PeerID, 0, len(m.conns))
	for peer := range m.conns {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

// Settle blocks until every queued handler callback has run.
func (m *Mesh) Settle(ctx context.Context) error {
	return m.deliveries.settle(ctx)
}

// Close drops every connection, closes the listener and stops handler
// delivery.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*meshConn, 0, len(m.conns))
	for _, mc := range m.conns {
		conns = append(conns, mc)
	}
	m.mu.Unlock()

	m.cancel()
	m.deliveries.stop()
	for _, mc := range conns {
		mc.conn.Close()
	}
	if m.config.Listener != nil {
		return m.config.Listener.Close()
	}
	return nil
}

// enqueueLocked schedules fn against the handler joined to topic at
// delivery time. Requires m.mu.
func (m *Mesh) enqueueLocked(topic string, fn func(Handler)) {
	m.deliveries.push(func() {
		m.mu.Lock()
		joined := m.topics[topic]
		m.mu.Unlock()
		if joined != nil {
			fn(joined.handler)
		}
	})
}

type meshWire struct {
	mesh       *Mesh
	topic      string
	membership *membership
}

func (w *meshWire) Send(ctx context.Context, peer PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := w.mesh
	m.mu.Lock()
	if m.topics[w.topic] != w.membership {
		m.mu.Unlock()
		return ErrLeft
	}
	if peer == m.self {
		payload := slices.Clone(data)
		m.enqueueLocked(w.topic, func(h Handler) { h.OnMessage(m.ctx, peer, payload) })
		m.mu.Unlock()
		return nil
	}
	mc, ok := m.conns[peer]
	if !ok || !mc.remoteTopics[w.topic] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	m.mu.Unlock()
	return m.write(mc, frame{Kind: frameData, Topic: w.topic, Data: data})
}

func (w *meshWire) Gossip(ctx context.Context, peers []PeerID, data []byte, fanout int) error {
	return gossip(ctx, peers, data, fanout, w.Send)
}

func (w *meshWire) Leave() error {
	m := w.mesh
	m.mu.Lock()
	if m.topics[w.topic] != w.membership {
		m.mu.Unlock()
		return ErrLeft
	}
	delete(m.topics, w.topic)
	conns := make([]*meshConn, 0, len(m.conns))
	for _, mc := range m.conns {
		conns = append(conns, mc)
	}
	m.mu.Unlock()

	m.broadcast(conns, frame{Kind: frameLeave, Topic: w.topic})
	return nil
}
