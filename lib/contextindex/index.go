// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contextindex

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/clock"
	"github.com/bureau-foundation/tessera/lib/codec"
	"github.com/bureau-foundation/tessera/lib/digest"
	"github.com/bureau-foundation/tessera/lib/envelope"
	"github.com/bureau-foundation/tessera/lib/persist"
	"github.com/bureau-foundation/tessera/lib/protocol"
	"github.com/bureau-foundation/tessera/lib/reconcile"
	"github.com/bureau-foundation/tessera/lib/record"
	"github.com/bureau-foundation/tessera/transport"
)

// TopicKind separates context topics from other store kinds.
const TopicKind = "context"

// Topic returns the transport topic of the context secret.
func Topic(secret string) string {
	return digest.Topic(TopicKind, secret)
}

// Entry is the index's view of one record. An empty Path marks a
// tombstone: the record was a member and has since left.
type Entry struct {
	Actor    actor.ID
	PathHash string
	Path     string
	Updated  int64
}

// ID returns the entry key, actor and path hash joined by a colon.
func (e Entry) ID() string {
	return EntryID(e.Actor, e.PathHash)
}

// EntryID returns the key of the record author wrote at the path
// hashing to pathHash.
func EntryID(author actor.ID, pathHash string) string {
	return string(author) + ":" + pathHash
}

// Member is a live entry with its decrypted value.
type Member struct {
	Entry
	Value envelope.Value
}

// Action is the kind of a membership event.
type Action string

const (
	// ActionAdd reports a new member or a newer value of an existing
	// one.
	ActionAdd Action = "add"

	// ActionRemove reports a member that left the context.
	ActionRemove Action = "remove"
)

// Event is one membership change delivered by Subscribe.
type Event struct {
	Action Action
	ID     string

	// Member is the new state for ActionAdd and the last live state
	// for ActionRemove.
	Member Member
}

// Config holds the parameters for Open.
type Config struct {
	// Secret is the context secret. Required.
	Secret string

	// Verifier checks inbound envelopes. Nil selects
	// actor.Ed25519Verifier.
	Verifier actor.Verifier

	// Persist receives every accepted envelope and restores them on
	// Open. Nil keeps the index in memory only.
	Persist persist.Store

	// Mux, when set, joins the context topic.
	Mux transport.Mux

	// Clock paces re-advertisement. Nil selects clock.Real().
	Clock clock.Clock

	Fanout   int
	Interval time.Duration
	Logger   *slog.Logger
}

type entry struct {
	Entry
	value    envelope.Value
	envelope *envelope.Envelope
}

func (e *entry) member() Member {
	return Member{Entry: e.Entry, Value: envelope.Clone(e.value)}
}

// Index is the membership set of one context secret.
type Index struct {
	secret     string
	secretHash string
	verifier   actor.Verifier
	persist    persist.Store
	logger     *slog.Logger

	reconciler *reconcile.Reconciler

	mu          sync.Mutex
	entries     map[string]*entry
	subscribers map[*subscriber]struct{}
}

var _ reconcile.Replica = (*Index)(nil)

// Open creates the index, restores persisted envelopes and, when a Mux
// is configured, joins the context topic.
func Open(ctx context.Context, config Config) (*Index, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("%w: context secret is empty", protocol.ErrSchema)
	}
	if config.Verifier == nil {
		config.Verifier = actor.Ed25519Verifier{}
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	secretHash := digest.String(config.Secret)
	index := &Index{
		secret:      config.Secret,
		secretHash:  secretHash,
		verifier:    config.Verifier,
		persist:     config.Persist,
		logger:      config.Logger.With("context_hash", secretHash[:12]),
		entries:     make(map[string]*entry),
		subscribers: make(map[*subscriber]struct{}),
	}
	index.reconciler = reconcile.New(reconcile.Config{
		Topic:    Topic(config.Secret),
		Replica:  index,
		Fanout:   config.Fanout,
		Interval: config.Interval,
		Clock:    config.Clock,
		Logger:   index.logger,
	})

	if err := index.load(ctx); err != nil {
		return nil, err
	}
	if config.Mux != nil {
		if err := index.reconciler.Join(config.Mux); err != nil {
			return nil, fmt.Errorf("contextindex: %w", err)
		}
	}
	return index, nil
}

// SecretHash returns the public hash of the context secret.
func (x *Index) SecretHash() string { return x.secretHash }

// Offer verifies a raw envelope against the context secret and merges
// it. It reports whether the index changed. An envelope that does not
// disclose a member is kept as a tombstone, so an older envelope that
// still declared membership is rejected whichever arrives first.
func (x *Index) Offer(ctx context.Context, env *envelope.Envelope) (bool, error) {
	verified, err := envelope.Verify(x.verifier, env, envelope.Options{ContextSecret: x.secret})
	if err != nil {
		return false, err
	}
	member := false
	if verified.Path != "" {
		contexts, err := envelope.Contexts(verified.Value)
		if err != nil {
			return false, err
		}
		member = slices.Contains(contexts, x.secret)
	}
	candidate := &entry{
		Entry: Entry{
			Actor:    verified.Actor,
			PathHash: verified.PathHash,
			Updated:  verified.Updated,
		},
		envelope: env,
	}
	if member {
		candidate.Path = verified.Path
		candidate.value = verified.Value
	}
	return x.merge(ctx, candidate, member)
}

// Observe merges a change accepted by a local record store. The change
// was verified by the store, so only membership is evaluated.
func (x *Index) Observe(ctx context.Context, change record.Change) (bool, error) {
	member := slices.Contains(change.Contexts, x.secret)
	candidate := &entry{
		Entry: Entry{
			Actor:    change.Actor,
			PathHash: change.PathHash,
			Updated:  change.Updated,
		},
		envelope: change.Envelope,
	}
	if member {
		candidate.Path = change.Path
		candidate.value = envelope.Clone(change.Value)
	}
	return x.merge(ctx, candidate, member)
}

// merge applies the timestamp rule and publishes the resulting event.
func (x *Index) merge(ctx context.Context, candidate *entry, member bool) (bool, error) {
	id := candidate.ID()

	x.mu.Lock()
	existing, ok := x.entries[id]
	// Last writer wins between members and tombstones alike. A tombstone
	// for a record never seen as a member is still stored: the add it
	// supersedes may be in flight.
	if ok && candidate.Updated <= existing.Updated {
		x.mu.Unlock()
		return false, nil
	}
	// Persist before touching entries so a failed write leaves the
	// index as it was.
	if err := x.persistLocked(ctx, candidate); err != nil {
		x.mu.Unlock()
		return false, err
	}
	x.entries[id] = candidate

	// Only transitions visible to members produce events: a tombstone
	// replacing a tombstone, or one arriving first, is silent.
	var event *Event
	switch {
	case member:
		event = &Event{Action: ActionAdd, ID: id, Member: candidate.member()}
	case ok && existing.Path != "":
		event = &Event{Action: ActionRemove, ID: id, Member: existing.member()}
	}
	if event != nil {
		for subscription := range x.subscribers {
			subscription.push(*event)
		}
	}
	x.mu.Unlock()

	if event != nil {
		x.logger.Debug("membership changed", "action", event.Action, "actor", candidate.Actor)
	}
	if err := x.reconciler.Gossip(ctx, &protocol.Record{Envelope: *candidate.envelope}); err != nil {
		x.logger.Debug("gossip failed", "error", err)
	}
	return true, nil
}

func (x *Index) persistLocked(ctx context.Context, candidate *entry) error {
	if x.persist == nil || candidate.envelope == nil {
		return nil
	}
	data, err := codec.Marshal(candidate.envelope)
	if err != nil {
		return fmt.Errorf("contextindex: encoding envelope: %w", err)
	}
	key := persist.ContextKey(x.secretHash, candidate.Actor, candidate.PathHash)
	if err := x.persist.Put(ctx, key, data); err != nil {
		return fmt.Errorf("contextindex: persisting: %w", err)
	}
	return nil
}

func (x *Index) load(ctx context.Context) error {
	if x.persist == nil {
		return nil
	}
	entries, err := x.persist.List(ctx, persist.ContextPrefix(x.secretHash))
	if err != nil {
		return fmt.Errorf("contextindex: loading: %w", err)
	}
	for _, stored := range entries {
		var env envelope.Envelope
		if err := codec.Unmarshal(stored.Value, &env); err != nil {
			x.logger.Warn("skipping corrupt persisted envelope", "key", stored.Key, "error", err)
			continue
		}
		if _, err := x.Offer(ctx, &env); err != nil {
			x.logger.Warn("skipping persisted envelope", "key", stored.Key, "error", err)
		}
	}
	return nil
}

// Entry returns the entry for id, including tombstones.
func (x *Index) Entry(id string) (Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	existing, ok := x.entries[id]
	if !ok {
		return Entry{}, false
	}
	return existing.Entry, true
}

// ListMembers returns the live members in entry id order. The set is
// captured when iteration starts.
func (x *Index) ListMembers() iter.Seq[Member] {
	return func(yield func(Member) bool) {
		for _, member := range x.snapshot() {
			if !yield(member) {
				return
			}
		}
	}
}

func (x *Index) snapshot() []Member {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snapshotLocked()
}

func (x *Index) snapshotLocked() []Member {
	members := make([]Member, 0, len(x.entries))
	for _, existing := range x.entries {
		if existing.Path != "" {
			members = append(members, existing.member())
		}
	}
	slices.SortFunc(members, func(a, b Member) int { return strings.Compare(a.ID(), b.ID()) })
	return members
}

// Subscribe returns a sequence that first yields an ActionAdd event
// for every current member, then every later change. Each range over
// the sequence starts a fresh subscription. The sequence ends when the
// consumer stops; if ctx is cancelled while it waits, it yields
// protocol.ErrCancelled once and ends.
func (x *Index) Subscribe(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		subscription := &subscriber{notify: make(chan struct{}, 1)}

		x.mu.Lock()
		replay := x.snapshotLocked()
		x.subscribers[subscription] = struct{}{}
		x.mu.Unlock()
		defer func() {
			x.mu.Lock()
			delete(x.subscribers, subscription)
			x.mu.Unlock()
		}()

		for _, member := range replay {
			if !yield(Event{Action: ActionAdd, ID: member.ID(), Member: member}, nil) {
				return
			}
		}
		for {
			for _, event := range subscription.drain() {
				if !yield(event, nil) {
					return
				}
			}
			select {
			case <-subscription.notify:
			case <-ctx.Done():
				yield(Event{}, fmt.Errorf("%w: %w", protocol.ErrCancelled, ctx.Err()))
				return
			}
		}
	}
}

// subscriber buffers events for one Subscribe iteration. The queue is
// unbounded so a slow consumer never blocks a store.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
}

func (s *subscriber) push(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.queue
	s.queue = nil
	return events
}

// Run re-advertises member envelopes to peers until ctx ends.
func (x *Index) Run(ctx context.Context) error {
	return x.reconciler.Run(ctx)
}

// Reconciler returns the index's reconciler.
func (x *Index) Reconciler() *reconcile.Reconciler {
	return x.reconciler
}

// Close leaves the context topic.
func (x *Index) Close() error {
	return x.reconciler.Leave()
}

// Announcement implements reconcile.Replica: the envelope behind every
// entry, tombstones included, so peers also learn of departures.
func (x *Index) Announcement(context.Context) ([]protocol.Message, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	messages := make([]protocol.Message, 0, len(ids))
	for _, id := range ids {
		if env := x.entries[id].envelope; env != nil {
			messages = append(messages, &protocol.Record{Envelope: *env})
		}
	}
	return messages, nil
}

// Lookup implements reconcile.Replica.
func (x *Index) Lookup(string) (bool, bool) { return false, false }

// Provide implements reconcile.Replica.
func (x *Index) Provide(string) (protocol.Message, bool) { return nil, false }

// Accept implements reconcile.Replica.
func (x *Index) Accept(ctx context.Context, message protocol.Message) error {
	typed, ok := message.(*protocol.Record)
	if !ok {
		return fmt.Errorf("%w: context topic does not carry %s", protocol.ErrSchema, message.Intent())
	}
	_, err := x.Offer(ctx, &typed.Envelope)
	return err
}
