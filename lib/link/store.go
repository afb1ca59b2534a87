// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/clock"
	"github.com/bureau-foundation/tessera/lib/codec"
	"github.com/bureau-foundation/tessera/lib/digest"
	"github.com/bureau-foundation/tessera/lib/persist"
	"github.com/bureau-foundation/tessera/lib/protocol"
	"github.com/bureau-foundation/tessera/lib/reconcile"
	"github.com/bureau-foundation/tessera/transport"
)

// TopicKind separates link topics from other store kinds.
const TopicKind = "links"

// Topic returns the transport topic of source.
func Topic(source string) string {
	return digest.Topic(TopicKind, source)
}

// Action is the kind of a link event.
type Action string

const (
	// ActionAdd reports a live link.
	ActionAdd Action = "add"

	// ActionRemove reports that a live link was deleted. Link carries
	// the deleted state and, when known, the target it pointed to.
	ActionRemove Action = "remove"
)

// Event is delivered to listeners.
type Event struct {
	Action Action
	Link   Link
}

// ListenerID identifies a listener registered with AddListener.
type ListenerID uint64

// Config holds the parameters for OpenStore.
type Config struct {
	// Source is the identifier every link in the store leaves from.
	// Required.
	Source string

	// Client signs new capabilities and verifies inbound ones.
	// Required.
	Client actor.Client

	// Persist receives every accepted capability and restores them on
	// open. Nil keeps the store in memory only.
	Persist persist.Store

	// Mux, when set, joins the source's topic.
	Mux transport.Mux

	// Clock paces re-advertisement. Nil selects clock.Real().
	Clock clock.Clock

	Fanout   int
	Interval time.Duration
	Logger   *slog.Logger
}

type entry struct {
	link      Link
	signature actor.Signed
}

// Store holds every link leaving one source.
type Store struct {
	source     string
	sourceHash string
	client     actor.Client
	persist    persist.Store
	logger     *slog.Logger

	reconciler *reconcile.Reconciler

	// eventMu orders whole transitions, including listener delivery,
	// so a listener's replay and its later events never interleave.
	eventMu sync.Mutex

	mu           sync.Mutex
	entries      map[string]*entry
	listeners    map[ListenerID]func(Event)
	nextListener ListenerID
}

var _ reconcile.Replica = (*Store)(nil)

// OpenStore creates the store, restores persisted capabilities and,
// when a Mux is configured, joins the source's topic.
func OpenStore(ctx context.Context, config Config) (*Store, error) {
	if config.Source == "" {
		return nil, fmt.Errorf("%w: link source is empty", protocol.ErrSchema)
	}
	if config.Client == nil {
		return nil, fmt.Errorf("link: Client is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	sourceHash := digest.String(config.Source)
	store := &Store{
		source:     config.Source,
		sourceHash: sourceHash,
		client:     config.Client,
		persist:    config.Persist,
		logger:     config.Logger.With("source_hash", sourceHash[:12]),
		entries:    make(map[string]*entry),
		listeners:  make(map[ListenerID]func(Event)),
	}
	store.reconciler = reconcile.New(reconcile.Config{
		Topic:    Topic(config.Source),
		Replica:  store,
		Fanout:   config.Fanout,
		Interval: config.Interval,
		Clock:    config.Clock,
		Logger:   store.logger,
	})

	if err := store.load(ctx); err != nil {
		return nil, err
	}
	if config.Mux != nil {
		if err := store.reconciler.Join(config.Mux); err != nil {
			return nil, fmt.Errorf("link: %w", err)
		}
	}
	return store, nil
}

// Source returns the store's source identifier.
func (s *Store) Source() string { return s.source }

// CreateCapability signs a capability for a new link from this store's
// source to target as author. It does not apply it.
func (s *Store) CreateCapability(ctx context.Context, target any, author actor.ID) (*Capability, error) {
	return NewCapability(ctx, s.client, s.source, target, author)
}

// CreateDeleteCapability signs a capability deleting the link author
// created with targetHash and salt. It does not apply it.
func (s *Store) CreateDeleteCapability(ctx context.Context, targetHash, salt string, author actor.ID) (*Capability, error) {
	return NewDeleteCapability(ctx, s.client, s.source, targetHash, salt, author)
}

// UseCapability applies capability through the same merge as an
// inbound give. Unless alreadyVerified, the signature is re-opened and
// every Link field checked against it first.
func (s *Store) UseCapability(ctx context.Context, capability *Capability, alreadyVerified bool) error {
	if !alreadyVerified {
		if err := capability.Verify(s.client); err != nil {
			return err
		}
	}
	return s.merge(ctx, capability.Link, capability.Signature)
}

// merge applies the one-shot rule: an id is stored once live and may
// then move to deleted once.
func (s *Store) merge(ctx context.Context, link Link, signature actor.Signed) error {
	// A capability signed for another source would verify, so the
	// source is checked separately.
	if link.Source != s.source {
		return fmt.Errorf("%w: link source does not match this store", protocol.ErrIntegrity)
	}
	// Tombstones never carry the target.
	if link.Deleted {
		link.Target = nil
	}

	// eventMu spans the state change and listener delivery, so listeners
	// see events in the order entries changed.
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	existing, ok := s.entries[link.ID]
	// live -> deleted is the only transition; anything else for a known
	// id is a replay.
	if ok && (existing.link.Deleted || !link.Deleted) {
		s.mu.Unlock()
		return fmt.Errorf("%w: link %s is already %s", protocol.ErrDuplicateOrStale, shortID(link.ID), stateName(existing.link.Deleted))
	}
	// Persist before installing: a failed write leaves no entry and no
	// event.
	if err := s.persistLocked(ctx, link, signature); err != nil {
		s.mu.Unlock()
		return err
	}
	s.entries[link.ID] = &entry{link: link, signature: signature}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	// A delete that arrives before its create is stored but was never
	// visible, so it produces no event.
	var event *Event
	switch {
	case !link.Deleted:
		event = &Event{Action: ActionAdd, Link: cloneLink(link)}
	case ok:
		removed := cloneLink(link)
		removed.Target = cloneTarget(existing.link.Target)
		event = &Event{Action: ActionRemove, Link: removed}
	}
	if event != nil {
		s.logger.Debug("link changed", "action", event.Action, "id", shortID(link.ID), "actor", link.Actor)
		for _, listener := range listeners {
			listener(*event)
		}
	}

	// Peers learn about the change through a have; they ask for the
	// capability if they lack it.
	if err := s.reconciler.Gossip(ctx, &protocol.Have{Links: map[string]bool{link.ID: link.Deleted}}); err != nil {
		s.logger.Debug("gossip failed", "error", err)
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context, link Link, signature actor.Signed) error {
	if s.persist == nil {
		return nil
	}
	data, err := codec.Marshal(Capability{Link: link, Signature: signature})
	if err != nil {
		return fmt.Errorf("link: encoding capability: %w", err)
	}
	if err := s.persist.Put(ctx, persist.LinkKey(s.sourceHash, link.ID), data); err != nil {
		return fmt.Errorf("link: persisting: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	stored, err := s.persist.List(ctx, persist.LinkPrefix(s.sourceHash))
	if err != nil {
		return fmt.Errorf("link: loading: %w", err)
	}
	for _, item := range stored {
		var capability Capability
		if err := codec.Unmarshal(item.Value, &capability); err != nil {
			s.logger.Warn("skipping corrupt persisted capability", "key", item.Key, "error", err)
			continue
		}
		if err := s.UseCapability(ctx, &capability, false); err != nil {
			s.logger.Warn("skipping persisted capability", "key", item.Key, "error", err)
		}
	}
	return nil
}

// Get returns the link with id, live or deleted.
func (s *Store) Get(id string) (Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[id]
	if !ok {
		return Link{}, false
	}
	return cloneLink(existing.link), true
}

// Links returns the live links ordered by id.
func (s *Store) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *Store) liveLocked() []Link {
	links := make([]Link, 0, len(s.entries))
	for _, existing := range s.entries {
		if !existing.link.Deleted {
			links = append(links, cloneLink(existing.link))
		}
	}
	slices.SortFunc(links, func(a, b Link) int { return strings.Compare(a.ID, b.ID) })
	return links
}

// AddListener calls fn with an ActionAdd event for every live link,
// then with every later event, in order. fn runs outside the store's
// lock but must not apply capabilities to this same store.
func (s *Store) AddListener(fn func(Event)) ListenerID {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	live := s.liveLocked()
	s.mu.Unlock()

	for _, link := range live {
		fn(Event{Action: ActionAdd, Link: link})
	}
	return id
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (s *Store) RemoveListener(id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

func (s *Store) listenersLocked() []func(Event) {
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
		listeners = append(listeners, s.listeners[id])
	}
	return listeners
}

// Run re-advertises the store's have map to peers until ctx ends.
func (s *Store) Run(ctx context.Context) error {
	return s.reconciler.Run(ctx)
}

// Reconciler returns the store's reconciler.
func (s *Store) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// Close leaves the source's topic.
func (s *Store) Close() error {
	return s.reconciler.Leave()
}

// Announcement implements reconcile.Replica: one have map of every id
// and its deleted flag.
func (s *Store) Announcement(context.Context) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	links := make(map[string]bool, len(s.entries))
	for id, existing := range s.entries {
		links[id] = existing.link.Deleted
	}
	return []protocol.Message{&protocol.Have{Links: links}}, nil
}

// Lookup implements reconcile.Replica.
func (s *Store) Lookup(id string) (deleted, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[id]
	if !ok {
		return false, false
	}
	return existing.link.Deleted, true
}

// Provide implements reconcile.Replica.
func (s *Store) Provide(id string) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return &protocol.Give{Signature: existing.signature, Target: existing.link.Target}, true
}

// Accept implements reconcile.Replica.
func (s *Store) Accept(ctx context.Context, message protocol.Message) error {
	give, ok := message.(*protocol.Give)
	if !ok {
		return fmt.Errorf("%w: link topic does not carry %s", protocol.ErrSchema, message.Intent())
	}
	link, err := Open(s.client, &give.Signature, give.Target)
	if err != nil {
		return err
	}
	return s.merge(ctx, *link, give.Signature)
}

func cloneLink(link Link) Link {
	link.Target = cloneTarget(link.Target)
	return link
}

// cloneTarget copies a target document decoded from CBOR or built by a
// caller. Scalars are shared.
func cloneTarget(target any) any {
	switch typed := target.(type) {
	case map[string]any:
		clone := make(map[string]any, len(typed))
		for key, value := range typed {
			clone[key] = cloneTarget(value)
		}
		return clone
	case []any:
		clone := make([]any, len(typed))
		for index, value := range typed {
			clone[index] = cloneTarget(value)
		}
		return clone
	case []byte:
		return slices.Clone(typed)
	default:
		return target
	}
}

func stateName(deleted bool) string {
	if deleted {
		return "deleted"
	}
	return "live"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
