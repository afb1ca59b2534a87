// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tessera/lib/clock"
	"github.com/bureau-foundation/tessera/lib/protocol"
	"github.com/bureau-foundation/tessera/transport"
)

// DefaultInterval is the re-advertisement period used by Run when
// Config.Interval is zero.
const DefaultInterval = 30 * time.Second

// Replica is the store-specific side of reconciliation.
type Replica interface {
	// Announcement returns the messages that bring a peer that knows
	// nothing up to date with this store: a have map for link stores,
	// envelopes for record stores and context indexes.
	Announcement(ctx context.Context) ([]protocol.Message, error)

	// Lookup reports whether the item id is held and, if so, whether it
	// is deleted. Stores without ids always report absent.
	Lookup(id string) (deleted, present bool)

	// Provide returns the message that gives the item id to a peer.
	Provide(id string) (protocol.Message, bool)

	// Accept verifies and merges an inbound give or record message.
	Accept(ctx context.Context, message protocol.Message) error
}

// Config parameterizes a Reconciler.
type Config struct {
	// Topic is the transport topic, normally digest.Topic of the
	// store's kind and address.
	Topic string

	// Replica is the store being reconciled.
	Replica Replica

	// Fanout bounds the peers each Gossip reaches.
	Fanout int

	// Interval is the re-advertisement period for Run.
	Interval time.Duration

	// Clock paces Run. Nil selects clock.Real().
	Clock clock.Clock

	// Logger receives dropped-message diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Reconciler runs the exchange for one store on one topic. It
// implements transport.Handler.
type Reconciler struct {
	topic    string
	replica  Replica
	fanout   int
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	wire  transport.Wire
	peers map[transport.PeerID]struct{}
}

var _ transport.Handler = (*Reconciler)(nil)

// New returns a reconciler that has not joined its topic yet. Call Join
// once the replica is ready to answer announcements.
func New(config Config) *Reconciler {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Fanout <= 0 {
		config.Fanout = transport.DefaultFanout
	}
	return &Reconciler{
		topic:    config.Topic,
		replica:  config.Replica,
		fanout:   config.Fanout,
		interval: config.Interval,
		clock:    config.Clock,
		logger:   config.Logger.With("topic", shortTopic(config.Topic)),
		peers:    make(map[transport.PeerID]struct{}),
	}
}

// Join joins the topic on mux. Peers already on the topic are announced
// through OnPeerAnnounced. The mux must deliver callbacks asynchronously;
// they wait until Join has recorded the wire.
func (r *Reconciler) Join(mux transport.Mux) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wire, err := mux.Join(r.topic, r)
	if err != nil {
		return fmt.Errorf("reconcile: joining topic: %w", err)
	}
	r.wire = wire
	return nil
}

// Leave leaves the topic and forgets every peer.
func (r *Reconciler) Leave() error {
	r.mu.Lock()
	wire := r.wire
	r.wire = nil
	clear(r.peers)
	r.mu.Unlock()
	if wire == nil {
		return nil
	}
	return wire.Leave()
}

// Peers returns the peers currently announced on the topic.
func (r *Reconciler) Peers() []transport.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]transport.PeerID, 0, len(r.peers))
	for peer := range r.peers {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

// OnPeerAnnounced implements transport.Handler. The peer receives the
// full announcement.
func (r *Reconciler) OnPeerAnnounced(ctx context.Context, peer transport.PeerID) {
	r.mu.Lock()
	r.peers[peer] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug("peer announced", "peer", peer)
	if err := r.announceTo(ctx, peer); err != nil {
		r.logger.Debug("announcement failed", "peer", peer, "error", err)
	}
}

// OnPeerUnannounced implements transport.Handler.
func (r *Reconciler) OnPeerUnannounced(peer transport.PeerID) {
	r.mu.Lock()
	delete(r.peers, peer)
	r.mu.Unlock()
	r.logger.Debug("peer unannounced", "peer", peer)
}

// OnMessage implements transport.Handler. Failures are dropped.
func (r *Reconciler) OnMessage(ctx context.Context, peer transport.PeerID, data []byte) {
	message, err := protocol.Decode(data)
	if err != nil {
		r.logger.Debug("dropping undecodable message", "peer", peer, "error", err)
		return
	}
	if err := r.HandleMessage(ctx, peer, message); err != nil {
		level := slog.LevelDebug
		if !isInboundRejection(err) {
			level = slog.LevelWarn
		}
		r.logger.Log(ctx, level, "dropping message",
			"peer", peer,
			"intent", message.Intent(),
			"error", err,
		)
	}
}

// HandleMessage runs the exchange for one decoded message from peer.
func (r *Reconciler) HandleMessage(ctx context.Context, peer transport.PeerID, message protocol.Message) error {
	switch typed := message.(type) {
	case *protocol.Have:
		return r.onHave(ctx, peer, typed)
	case *protocol.Want:
		return r.onWant(ctx, peer, typed)
	case *protocol.Give, *protocol.Record:
		return r.replica.Accept(ctx, message)
	default:
		return fmt.Errorf("%w: unexpected intent %s", protocol.ErrSchema, message.Intent())
	}
}

func (r *Reconciler) onHave(ctx context.Context, peer transport.PeerID, have *protocol.Have) error {
	want := make(map[string]bool)
	for id, advertisedDeleted := range have.Links {
		deleted, present := r.replica.Lookup(id)
		if !present || (advertisedDeleted && !deleted) {
			want[id] = advertisedDeleted
		}
	}
	if len(want) == 0 {
		return nil
	}
	return r.Send(ctx, peer, &protocol.Want{Links: want})
}

func (r *Reconciler) onWant(ctx context.Context, peer transport.PeerID, want *protocol.Want) error {
	var errs []error
	for id, wantDeleted := range want.Links {
		deleted, present := r.replica.Lookup(id)
		if !present || (wantDeleted && !deleted) {
			continue
		}
		message, ok := r.replica.Provide(id)
		if !ok {
			continue
		}
		if err := r.Send(ctx, peer, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send encodes message and sends it to peer.
func (r *Reconciler) Send(ctx context.Context, peer transport.PeerID, message protocol.Message) error {
	wire, err := r.currentWire()
	if err != nil {
		return err
	}
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	return wire.Send(ctx, peer, data)
}

// Gossip sends message to a sample of the announced peers. Without
// peers it does nothing.
func (r *Reconciler) Gossip(ctx context.Context, message protocol.Message) error {
	wire, err := r.currentWire()
	if err != nil {
		// Not joined: a standalone store has nobody to tell.
		return nil
	}
	peers := r.Peers()
	if len(peers) == 0 {
		return nil
	}
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	return wire.Gossip(ctx, peers, data, r.fanout)
}

// Run re-advertises the full announcement to every announced peer once
// per interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Advertise(ctx)
		}
	}
}

// Advertise sends the full announcement to every announced peer.
func (r *Reconciler) Advertise(ctx context.Context) {
	for _, peer := range r.Peers() {
		if err := r.announceTo(ctx, peer); err != nil {
			r.logger.Debug("re-advertisement failed", "peer", peer, "error", err)
		}
	}
}

func (r *Reconciler) announceTo(ctx context.Context, peer transport.PeerID) error {
	messages, err := r.replica.Announcement(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, message := range messages {
		if err := r.Send(ctx, peer, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) currentWire() (transport.Wire, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wire == nil {
		return nil, transport.ErrLeft
	}
	return r.wire, nil
}

// isInboundRejection reports whether err is one of the expected ways a
// peer's message can fail.
func isInboundRejection(err error) bool {
	for _, kind := range []error{
		protocol.ErrSchema,
		protocol.ErrActorVerification,
		protocol.ErrIntegrity,
		protocol.ErrDuplicateOrStale,
		protocol.ErrAuthorization,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func shortTopic(topic string) string {
	if len(topic) > 12 {
		return topic[:12]
	}
	return topic
}
