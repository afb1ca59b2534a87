// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/clock"
	"github.com/bureau-foundation/tessera/lib/contextindex"
	"github.com/bureau-foundation/tessera/lib/digest"
	"github.com/bureau-foundation/tessera/lib/link"
	"github.com/bureau-foundation/tessera/lib/persist"
	"github.com/bureau-foundation/tessera/lib/record"
	"github.com/bureau-foundation/tessera/transport"
)

// ErrClosed is returned by Open methods after Close.
var ErrClosed = errors.New("registry: closed")

// Config holds the collaborators shared by every store.
type Config struct {
	// Mux joins store topics. Nil keeps every store local.
	Mux transport.Mux

	// Client signs and verifies. Required.
	Client actor.Client

	// Persist backs every store. Nil keeps stores in memory.
	Persist persist.Store

	// Clock paces re-advertisement and write timestamps. Nil selects
	// clock.Real().
	Clock clock.Clock

	Fanout   int
	Interval time.Duration
	Logger   *slog.Logger
}

// runner is what the registry needs from every store kind.
type runner interface {
	Run(ctx context.Context) error
	Close() error
}

// slot is one open store and its reference count.
type slot[S runner] struct {
	store S
	refs  int
	stop  context.CancelFunc
	done  chan struct{}
}

// Registry owns every open store of a process.
type Registry struct {
	config    Config
	monotonic *clock.Monotonic
	logger    *slog.Logger

	mu       sync.Mutex
	closed   bool
	records  map[string]*slot[*record.Store]
	contexts map[string]*slot[*contextindex.Index]
	links    map[string]*slot[*link.Store]
}

// New returns an empty registry.
func New(config Config) (*Registry, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("registry: Client is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		config:    config,
		monotonic: clock.NewMonotonic(config.Clock),
		logger:    config.Logger,
		records:   make(map[string]*slot[*record.Store]),
		contexts:  make(map[string]*slot[*contextindex.Index]),
		links:     make(map[string]*slot[*link.Store]),
	}, nil
}

// RecordHandle is one reference to an open record store.
type RecordHandle struct {
	*record.Store
	release func() error
}

// Close releases this reference. The store closes with its last one.
func (h *RecordHandle) Close() error { return h.release() }

// ContextHandle is one reference to an open context index.
type ContextHandle struct {
	*contextindex.Index
	release func() error
}

// Close releases this reference. The index closes with its last one.
func (h *ContextHandle) Close() error { return h.release() }

// LinksHandle is one reference to an open link store.
type LinksHandle struct {
	*link.Store
	release func() error
}

// Close releases this reference. The store closes with its last one.
func (h *LinksHandle) Close() error { return h.release() }

// OpenRecord returns a handle to the record author writes at path.
func (r *Registry) OpenRecord(ctx context.Context, author actor.ID, path string) (*RecordHandle, error) {
	key := string(author) + "/" + digest.String(path)
	store, release, err := acquire(r, r.records, key, func() (*record.Store, error) {
		store, err := record.Open(ctx, record.Config{
			Actor:     author,
			Path:      path,
			Client:    r.config.Client,
			Persist:   r.config.Persist,
			Mux:       r.config.Mux,
			Monotonic: r.monotonic,
			Clock:     r.config.Clock,
			Fanout:    r.config.Fanout,
			Interval:  r.config.Interval,
			Logger:    r.logger,
		})
		if err != nil {
			return nil, err
		}
		store.AddObserver(func(change record.Change) { r.forward(change) })
		return store, nil
	})
	if err != nil {
		return nil, err
	}
	return &RecordHandle{Store: store, release: release}, nil
}

// OpenContext returns a handle to the index of secret.
func (r *Registry) OpenContext(ctx context.Context, secret string) (*ContextHandle, error) {
	index, release, err := acquire(r, r.contexts, secret, func() (*contextindex.Index, error) {
		return contextindex.Open(ctx, contextindex.Config{
			Secret:   secret,
			Verifier: r.config.Client,
			Persist:  r.config.Persist,
			Mux:      r.config.Mux,
			Clock:    r.config.Clock,
			Fanout:   r.config.Fanout,
			Interval: r.config.Interval,
			Logger:   r.logger,
		})
	})
	if err != nil {
		return nil, err
	}

	for _, store := range r.openRecords() {
		if !slices.Contains(store.Contexts(), secret) {
			continue
		}
		if env := store.Envelope(); env != nil {
			if _, err := index.Offer(ctx, env); err != nil {
				r.logger.Warn("offering open record to context index", "error", err)
			}
		}
	}
	return &ContextHandle{Index: index, release: release}, nil
}

// OpenLinks returns a handle to the link store of source.
func (r *Registry) OpenLinks(ctx context.Context, source string) (*LinksHandle, error) {
	store, release, err := acquire(r, r.links, source, func() (*link.Store, error) {
		return link.OpenStore(ctx, link.Config{
			Source:   source,
			Client:   r.config.Client,
			Persist:  r.config.Persist,
			Mux:      r.config.Mux,
			Clock:    r.config.Clock,
			Fanout:   r.config.Fanout,
			Interval: r.config.Interval,
			Logger:   r.logger,
		})
	})
	if err != nil {
		return nil, err
	}
	return &LinksHandle{Store: store, release: release}, nil
}

// Close shuts down every open store regardless of outstanding handles.
// Handles closed afterwards are no-ops.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	var slots []func() error
	for key, open := range r.records {
		slots = append(slots, shutdownFunc(open))
		delete(r.records, key)
	}
	for key, open := range r.contexts {
		slots = append(slots, shutdownFunc(open))
		delete(r.contexts, key)
	}
	for key, open := range r.links {
		slots = append(slots, shutdownFunc(open))
		delete(r.links, key)
	}
	r.mu.Unlock()

	var errs []error
	for _, shutdown := range slots {
		errs = append(errs, shutdown())
	}
	return errors.Join(errs...)
}

// forward delivers a record change to every open index it concerns.
func (r *Registry) forward(change record.Change) {
	secrets := slices.Concat(change.Contexts, change.Removed)
	r.mu.Lock()
	var indexes []*contextindex.Index
	for _, secret := range secrets {
		if open, ok := r.contexts[secret]; ok && !slices.Contains(indexes, open.store) {
			indexes = append(indexes, open.store)
		}
	}
	r.mu.Unlock()

	// Observers have no caller context; the change is already durable
	// in the record store, so the index write is not cancelled with
	// the writer's request.
	ctx := context.Background()
	for _, index := range indexes {
		if _, err := index.Observe(ctx, change); err != nil {
			r.logger.Warn("forwarding record change to context index", "error", err)
		}
	}
}

func (r *Registry) openRecords() []*record.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	stores := make([]*record.Store, 0, len(r.records))
	for _, open := range r.records {
		stores = append(stores, open.store)
	}
	return stores
}

// acquire returns the store under key, creating it with open if absent,
// plus an idempotent release function. The registry lock is held while
// a store opens, so two callers never open the same address twice.
func acquire[S runner](r *Registry, table map[string]*slot[S], key string, open func() (S, error)) (S, func() error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero S
	if r.closed {
		return zero, nil, ErrClosed
	}

	existing, ok := table[key]
	if !ok {
		store, err := open()
		if err != nil {
			return zero, nil, err
		}
		runCtx, stop := context.WithCancel(context.Background())
		existing = &slot[S]{store: store, stop: stop, done: make(chan struct{})}
		go func() {
			defer close(existing.done)
			if err := store.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("store re-advertisement stopped", "error", err)
			}
		}()
		table[key] = existing
	}
	existing.refs++

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			r.mu.Lock()
			current, ok := table[key]
			if !ok || current != existing {
				r.mu.Unlock()
				return
			}
			current.refs--
			if current.refs > 0 {
				r.mu.Unlock()
				return
			}
			delete(table, key)
			r.mu.Unlock()
			err = shutdownFunc(current)()
		})
		return err
	}
	return existing.store, release, nil
}

func shutdownFunc[S runner](open *slot[S]) func() error {
	return func() error {
		open.stop()
		<-open.done
		return open.store.Close()
	}
}
