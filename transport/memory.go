// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// MemoryNetwork connects in-process nodes. Every node starts reachable
// from every other; Partition and Heal cut and restore single links.
//
// Each node processes its deliveries in order on its own goroutine, so
// handlers observe the same one-callback-at-a-time behavior as on a
// Mesh. Settle waits until every queued delivery has run, which lets
// tests assert on converged state without sleeping.
type MemoryNetwork struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	nodes       map[PeerID]*MemoryNode
	partitioned map[[2]PeerID]bool
	pending     int
	idle        chan struct{}
}

// NewMemoryNetwork returns an empty network. Close stops every node.
func NewMemoryNetwork(logger *slog.Logger) *MemoryNetwork {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &MemoryNetwork{
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		nodes:       make(map[PeerID]*MemoryNode),
		partitioned: make(map[[2]PeerID]bool),
		idle:        idle,
	}
}

// Node returns the node named id, creating it on first use.
func (n *MemoryNetwork) Node(id PeerID) *MemoryNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	if node, ok := n.nodes[id]; ok {
		return node
	}
	node := &MemoryNode{
		network: n,
		id:      id,
		topics:  make(map[string]*membership),
	}
	node.wake = sync.NewCond(&node.queueMu)
	n.nodes[id] = node
	go node.run()
	return node
}

// Partition makes a and b unreachable from each other. Both sides are
// told the other left every topic they share.
func (n *MemoryNetwork) Partition(a, b PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.partitioned[linkKey(a, b)] {
		return
	}
	n.partitioned[linkKey(a, b)] = true
	n.forSharedTopicsLocked(a, b, func(nodeA, nodeB *MemoryNode, topic string) {
		nodeA.enqueueLocked(topic, func(handler Handler) { handler.OnPeerUnannounced(b) })
		nodeB.enqueueLocked(topic, func(handler Handler) { handler.OnPeerUnannounced(a) })
	})
}

// Heal restores the link between a and b. Both sides are announced to
// each other on every topic they share.
func (n *MemoryNetwork) Heal(a, b PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.partitioned[linkKey(a, b)] {
		return
	}
	delete(n.partitioned, linkKey(a, b))
	n.forSharedTopicsLocked(a, b, func(nodeA, nodeB *MemoryNode, topic string) {
		nodeA.enqueueLocked(topic, func(handler Handler) { handler.OnPeerAnnounced(n.ctx, b) })
		nodeB.enqueueLocked(topic, func(handler Handler) { handler.OnPeerAnnounced(n.ctx, a) })
	})
}

// Settle blocks until no delivery is queued or running anywhere on the
// network, or ctx ends.
func (n *MemoryNetwork) Settle(ctx context.Context) error {
	for {
		n.mu.Lock()
		if n.pending == 0 {
			n.mu.Unlock()
			return nil
		}
		idle := n.idle
		n.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops every node. Queued deliveries are discarded.
func (n *MemoryNetwork) Close() {
	n.cancel()
	n.mu.Lock()
	nodes := make([]*MemoryNode, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	n.mu.Unlock()
	for _, node := range nodes {
		node.stop()
	}
}

func (n *MemoryNetwork) reachableLocked(a, b PeerID) bool {
	return a == b || !n.partitioned[linkKey(a, b)]
}

func (n *MemoryNetwork) forSharedTopicsLocked(a, b PeerID, fn func(nodeA, nodeB *MemoryNode, topic string)) {
	nodeA, okA := n.nodes[a]
	nodeB, okB := n.nodes[b]
	if !okA || !okB {
		return
	}
	for topic := range nodeA.topics {
		if _, ok := nodeB.topics[topic]; ok {
			fn(nodeA, nodeB, topic)
		}
	}
}

func (n *MemoryNetwork) addPendingLocked() {
	if n.pending == 0 {
		n.idle = make(chan struct{})
	}
	n.pending++
}

func (n *MemoryNetwork) donePending(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending -= count
	if n.pending == 0 {
		close(n.idle)
	}
}

func linkKey(a, b PeerID) [2]PeerID {
	if a > b {
		a, b = b, a
	}
	return [2]PeerID{a, b}
}

// MemoryNode is one node of a MemoryNetwork. It implements Mux.
type MemoryNode struct {
	network *MemoryNetwork
	id      PeerID

	// topics is guarded by network.mu.
	topics map[string]*membership

	queueMu sync.Mutex
	wake    *sync.Cond
	queue   []func()
	stopped bool
}

var _ Mux = (*MemoryNode)(nil)

// Self implements Mux.
func (m *MemoryNode) Self() PeerID { return m.id }

// Join implements Mux.
func (m *MemoryNode) Join(topic string, handler Handler) (Wire, error) {
	n := m.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := m.topics[topic]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicJoined, topic)
	}
	joined := &membership{handler: handler}
	m.topics[topic] = joined

	for _, other := range n.nodes {
		if other == m || !n.reachableLocked(m.id, other.id) {
			continue
		}
		if _, ok := other.topics[topic]; !ok {
			continue
		}
		otherID := other.id
		m.enqueueLocked(topic, func(h Handler) { h.OnPeerAnnounced(n.ctx, otherID) })
		other.enqueueLocked(topic, func(h Handler) { h.OnPeerAnnounced(n.ctx, m.id) })
	}
	return &memoryWire{node: m, topic: topic, membership: joined}, nil
}

// Close leaves every topic and stops the node's delivery goroutine.
func (m *MemoryNode) Close() {
	n := m.network
	n.mu.Lock()
	for topic := range m.topics {
		m.leaveLocked(topic)
	}
	n.mu.Unlock()
	m.stop()
}

func (m *MemoryNode) leaveLocked(topic string) {
	n := m.network
	delete(m.topics, topic)
	for _, other := range n.nodes {
		if other == m || !n.reachableLocked(m.id, other.id) {
			continue
		}
		if _, ok := other.topics[topic]; ok {
			other.enqueueLocked(topic, func(h Handler) { h.OnPeerUnannounced(m.id) })
		}
	}
}

// enqueueLocked schedules fn against the handler registered for topic at
// delivery time. Deliveries for a topic left in the meantime are
// dropped. Requires network.mu.
func (m *MemoryNode) enqueueLocked(topic string, fn func(Handler)) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.stopped {
		return
	}
	m.network.addPendingLocked()
	m.queue = append(m.queue, func() {
		m.network.mu.Lock()
		joined := m.topics[topic]
		m.network.mu.Unlock()
		if joined != nil {
			fn(joined.handler)
		}
	})
	m.wake.Signal()
}

func (m *MemoryNode) run() {
	for {
		m.queueMu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.wake.Wait()
		}
		if m.stopped {
			dropped := len(m.queue)
			m.queue = nil
			m.queueMu.Unlock()
			if dropped > 0 {
				m.network.donePending(dropped)
			}
			return
		}
		next := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.queueMu.Unlock()

		next()
		m.network.donePending(1)
	}
}

func (m *MemoryNode) stop() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.stopped = true
	m.wake.Broadcast()
}

// membership is one Join of a topic. Wires compare it by identity to
// detect use after Leave.
type membership struct {
	handler Handler
}

type memoryWire struct {
	node       *MemoryNode
	topic      string
	membership *membership
}

func (w *memoryWire) Send(ctx context.Context, peer PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := w.node.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if w.node.topics[w.topic] != w.membership {
		return ErrLeft
	}
	target, ok := n.nodes[peer]
	if !ok || !n.reachableLocked(w.node.id, peer) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if _, joined := target.topics[w.topic]; !joined {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	payload := slices.Clone(data)
	from := w.node.id
	target.enqueueLocked(w.topic, func(h Handler) { h.OnMessage(n.ctx, from, payload) })
	return nil
}

func (w *memoryWire) Gossip(ctx context.Context, peers []PeerID, data []byte, fanout int) error {
	return gossip(ctx, peers, data, fanout, w.Send)
}

func (w *memoryWire) Leave() error {
	n := w.node.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if w.node.topics[w.topic] != w.membership {
		return ErrLeft
	}
	w.node.leaveLocked(w.topic)
	return nil
}
