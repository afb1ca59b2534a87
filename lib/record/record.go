// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
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
	"github.com/bureau-foundation/tessera/transport"
)

// TopicKind separates record topics from other store kinds.
const TopicKind = "record"

// Topic returns the transport topic of the record author wrote at the
// path hashing to pathHash.
func Topic(author actor.ID, pathHash string) string {
	return digest.Topic(TopicKind, string(author)+"/"+pathHash)
}

// Change describes one accepted write.
type Change struct {
	Actor    actor.ID
	Path     string
	PathHash string
	Updated  int64

	// Envelope is the accepted envelope.
	Envelope *envelope.Envelope

	// Value is a copy of the new value. Empty for a deleted record.
	Value envelope.Value

	// Contexts are the context secrets the new value declares.
	Contexts []string

	// Added and Removed are the difference between Contexts and the
	// contexts of the previous value.
	Added   []string
	Removed []string
}

// ObserverID identifies an observer registered with AddObserver.
type ObserverID uint64

// Config holds the parameters for Open.
type Config struct {
	// Actor is the record's author. Required.
	Actor actor.ID

	// Path is the secret path. Required.
	Path string

	// Client signs local writes and verifies inbound envelopes.
	// Required.
	Client actor.Client

	// Persist receives every accepted envelope. Nil keeps the record
	// in memory only.
	Persist persist.Store

	// Mux, when set, joins the record's topic so the store reconciles
	// with peers.
	Mux transport.Mux

	// Monotonic issues write timestamps. Share one across stores of a
	// process. Nil creates one over Clock.
	Monotonic *clock.Monotonic

	// Clock paces re-advertisement and backs a default Monotonic. Nil
	// selects clock.Real().
	Clock clock.Clock

	// Fanout and Interval are passed to the reconciler.
	Fanout   int
	Interval time.Duration

	Logger *slog.Logger
}

// Store is one (actor, path) record.
type Store struct {
	actor     actor.ID
	path      string
	pathHash  string
	client    actor.Client
	persist   persist.Store
	monotonic *clock.Monotonic
	logger    *slog.Logger

	reconciler *reconcile.Reconciler

	// mu serializes every state transition, including the sign step of
	// a local write.
	mu       sync.Mutex
	updated  int64
	envelope *envelope.Envelope
	live     envelope.Value
	contexts []string

	observerMu   sync.Mutex
	observers    map[ObserverID]func(Change)
	nextObserver ObserverID
}

var _ reconcile.Replica = (*Store)(nil)

// Open creates the store, restores it from Persist and, when a Mux is
// configured, joins its topic.
func Open(ctx context.Context, config Config) (*Store, error) {
	if err := config.Actor.Validate(); err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	if config.Path == "" {
		return nil, fmt.Errorf("%w: record path is empty", protocol.ErrSchema)
	}
	if config.Client == nil {
		return nil, fmt.Errorf("record: Client is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Monotonic == nil {
		config.Monotonic = clock.NewMonotonic(config.Clock)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	pathHash := digest.String(config.Path)
	store := &Store{
		actor:     config.Actor,
		path:      config.Path,
		pathHash:  pathHash,
		client:    config.Client,
		persist:   config.Persist,
		monotonic: config.Monotonic,
		logger:    config.Logger.With("actor", config.Actor, "path_hash", pathHash[:12]),
		live:      envelope.Value{},
		observers: make(map[ObserverID]func(Change)),
	}
	store.reconciler = reconcile.New(reconcile.Config{
		Topic:    Topic(config.Actor, pathHash),
		Replica:  store,
		Fanout:   config.Fanout,
		Interval: config.Interval,
		Clock:    config.Clock,
		Logger:   store.logger,
	})

	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	if config.Mux != nil {
		if err := store.reconciler.Join(config.Mux); err != nil {
			return nil, fmt.Errorf("record: %w", err)
		}
	}
	return store, nil
}

// Actor returns the record's author.
func (s *Store) Actor() actor.ID { return s.actor }

// Path returns the secret path.
func (s *Store) Path() string { return s.path }

// PathHash returns the public hash of the path.
func (s *Store) PathHash() string { return s.pathHash }

// Updated returns the timestamp of the current state, zero before the
// first accepted write.
func (s *Store) Updated() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

// Envelope returns the current envelope, or nil before the first
// accepted write.
func (s *Store) Envelope() *envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envelope
}

// Contexts returns the context secrets the current value declares.
func (s *Store) Contexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.contexts)
}

// Get returns a copy of the current value.
func (s *Store) Get() envelope.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return envelope.Clone(s.live)
}

// Live returns the store's value map itself. Accepted writes update it
// in place, so a holder always sees the current contents. It is only
// safe to read from an observer callback or while no write can be in
// progress.
func (s *Store) Live() envelope.Value {
	return s.live
}

// Update applies mutate to a copy of the current value and writes the
// result. Only the record's actor can write. If mutate, validation,
// signing or persistence fails, the current value is unchanged.
func (s *Store) Update(ctx context.Context, mutate func(envelope.Value) error) error {
	// A reader holds the same store type; only the keyring that owns the
	// record may produce envelopes for it.
	current := s.client.CurrentActor()
	if current != s.actor {
		return fmt.Errorf("%w: record belongs to %s, current actor is %s", protocol.ErrAuthorization, s.actor, current)
	}

	// The lock is held from snapshot to commit so two writers cannot sign
	// from the same base. mutate works on a clone: the live map only
	// changes once the write is durable.
	s.mu.Lock()
	next := envelope.Clone(s.live)
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return err
	}
	// Reject a malformed context list here rather than publish an
	// envelope every peer would refuse.
	contexts, err := envelope.Contexts(next)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	// The clock may lag a restored or received timestamp; the new write
	// must still beat everything this store has accepted.
	updated := s.monotonic.Next()
	if updated <= s.updated {
		s.monotonic.Observe(s.updated)
		updated = s.monotonic.Next()
	}
	signed, err := envelope.Sign(ctx, s.client, s.actor, s.path, next, updated)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("record: signing: %w", err)
	}
	change, err := s.commitLocked(ctx, signed.Envelope, updated, next, contexts)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	// Observers and peers hear about the write after the lock is gone,
	// so an observer may call back into the store.
	s.publish(ctx, change)
	return nil
}

// Delete writes an empty value.
func (s *Store) Delete(ctx context.Context) error {
	return s.Update(ctx, func(value envelope.Value) error {
		clear(value)
		return nil
	})
}

// Receive merges an inbound envelope. It reports false without error
// when the envelope is for another actor or is not newer than the
// current state. Verification failures wrap the protocol error kinds.
func (s *Store) Receive(ctx context.Context, env *envelope.Envelope) (bool, error) {
	verified, err := envelope.Verify(s.client, env, envelope.Options{Path: s.path})
	if err != nil {
		return false, err
	}
	if verified.Actor != s.actor {
		return false, nil
	}
	contexts, err := envelope.Contexts(verified.Value)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if verified.Updated <= s.updated {
		s.mu.Unlock()
		return false, nil
	}
	change, err := s.commitLocked(ctx, env, verified.Updated, verified.Value, contexts)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	if s.actor == s.client.CurrentActor() {
		s.monotonic.Observe(verified.Updated)
	}

	s.publish(ctx, change)
	return true, nil
}

// Load restores the persisted envelope, if any. A restored envelope
// goes through Receive, so a corrupt entry is rejected rather than
// trusted. A rejected entry is logged and skipped: the store starts
// empty and a peer's copy can still replace it.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	data, ok, err := s.persist.Get(ctx, persist.RecordKey(s.actor, s.pathHash))
	if err != nil {
		return fmt.Errorf("record: loading: %w", err)
	}
	if !ok {
		return nil
	}
	var env envelope.Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		s.logger.Warn("skipping undecodable persisted record", "error", err)
		return nil
	}
	if _, err := s.Receive(ctx, &env); err != nil {
		if !rejected(err) {
			return fmt.Errorf("record: restoring: %w", err)
		}
		s.logger.Warn("skipping persisted record", "error", err)
		return nil
	}
	s.monotonic.Observe(s.Updated())
	return nil
}

// Run re-advertises the record to peers until ctx ends.
func (s *Store) Run(ctx context.Context) error {
	return s.reconciler.Run(ctx)
}

// Reconciler returns the store's reconciler.
func (s *Store) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// Close leaves the record's topic.
func (s *Store) Close() error {
	return s.reconciler.Leave()
}

// AddObserver registers fn for every accepted write. Observers run
// outside the store's lock, in the goroutine that made the change.
func (s *Store) AddObserver(fn func(Change)) ObserverID {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.nextObserver++
	s.observers[s.nextObserver] = fn
	return s.nextObserver
}

// RemoveObserver unregisters an observer. Unknown ids are ignored.
func (s *Store) RemoveObserver(id ObserverID) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	delete(s.observers, id)
}

// commitLocked persists and installs a new state and returns the change
// to publish. The in-memory state is untouched if persistence fails.
func (s *Store) commitLocked(ctx context.Context, env *envelope.Envelope, updated int64, value envelope.Value, contexts []string) (Change, error) {
	if s.persist != nil {
		data, err := codec.Marshal(env)
		if err != nil {
			return Change{}, fmt.Errorf("record: encoding envelope: %w", err)
		}
		if err := s.persist.Put(ctx, persist.RecordKey(s.actor, s.pathHash), data); err != nil {
			return Change{}, fmt.Errorf("record: persisting: %w", err)
		}
	}

	added, removed := difference(s.contexts, contexts)
	s.updated = updated
	s.envelope = env
	s.contexts = slices.Clone(contexts)
	envelope.Assign(s.live, value)

	return Change{
		Actor:    s.actor,
		Path:     s.path,
		PathHash: s.pathHash,
		Updated:  updated,
		Envelope: env,
		Value:    envelope.Clone(s.live),
		Contexts: slices.Clone(contexts),
		Added:    added,
		Removed:  removed,
	}, nil
}

func (s *Store) publish(ctx context.Context, change Change) {
	s.logger.Debug("record changed",
		"updated", change.Updated,
		"added", len(change.Added),
		"removed", len(change.Removed),
	)

	s.observerMu.Lock()
	observers := make([]func(Change), 0, len(s.observers))
	for _, id := range slices.Sorted(maps.Keys(s.observers)) {
		observers = append(observers, s.observers[id])
	}
	s.observerMu.Unlock()
	for _, observer := range observers {
		observer(change)
	}

	if err := s.reconciler.Gossip(ctx, &protocol.Record{Envelope: *change.Envelope}); err != nil {
		s.logger.Debug("gossip failed", "error", err)
	}
}

// Announcement implements reconcile.Replica: the single current
// envelope, if any.
func (s *Store) Announcement(context.Context) ([]protocol.Message, error) {
	env := s.Envelope()
	if env == nil {
		return nil, nil
	}
	return []protocol.Message{&protocol.Record{Envelope: *env}}, nil
}

// Lookup implements reconcile.Replica. Records are exchanged whole, not
// by id.
func (s *Store) Lookup(string) (bool, bool) { return false, false }

// Provide implements reconcile.Replica.
func (s *Store) Provide(string) (protocol.Message, bool) { return nil, false }

// Accept implements reconcile.Replica.
func (s *Store) Accept(ctx context.Context, message protocol.Message) error {
	record, ok := message.(*protocol.Record)
	if !ok {
		return fmt.Errorf("%w: record topic does not carry %s", protocol.ErrSchema, message.Intent())
	}
	_, err := s.Receive(ctx, &record.Envelope)
	return err
}

// rejected reports whether err is a verification failure of the
// envelope itself rather than a storage error.
func rejected(err error) bool {
	return errors.Is(err, protocol.ErrSchema) ||
		errors.Is(err, protocol.ErrActorVerification) ||
		errors.Is(err, protocol.ErrIntegrity)
}

// difference returns the elements of next missing from previous and the
// elements of previous missing from next.
func difference(previous, next []string) (added, removed []string) {
	for _, secret := range next {
		if !slices.Contains(previous, secret) && !slices.Contains(added, secret) {
			added = append(added, secret)
		}
	}
	for _, secret := range previous {
		if !slices.Contains(next, secret) && !slices.Contains(removed, secret) {
			removed = append(removed, secret)
		}
	}
	return added, removed
}
