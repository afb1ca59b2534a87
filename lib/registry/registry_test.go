// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/tessera/lib/clock"
	"github.com/bureau-foundation/tessera/lib/envelope"
	"github.com/bureau-foundation/tessera/lib/persist"
	"github.com/bureau-foundation/tessera/lib/testutil"
	"github.com/bureau-foundation/tessera/transport"
)

func newRegistry(t *testing.T, config Config) *Registry {
	t.Helper()
	if config.Clock == nil {
		config.Clock = clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	}
	registry, err := New(config)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { registry.Close() })
	return registry
}

func countMembers(handle *ContextHandle) int {
	count := 0
	for range handle.ListMembers() {
		count++
	}
	return count
}

func TestOpenSharesStores(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	registry := newRegistry(t, Config{Client: keyring})
	ctx := context.Background()
	path := testutil.UniqueID("path")

	first, err := registry.OpenRecord(ctx, author, path)
	if err != nil {
		t.Fatalf("OpenRecord() error: %v", err)
	}
	second, err := registry.OpenRecord(ctx, author, path)
	if err != nil {
		t.Fatalf("OpenRecord() error: %v", err)
	}
	if first.Store != second.Store {
		t.Fatal("two opens of one address returned different stores")
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	// Closing twice releases one reference only.
	if err := first.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	third, err := registry.OpenRecord(ctx, author, path)
	if err != nil {
		t.Fatalf("OpenRecord() error: %v", err)
	}
	if third.Store != second.Store {
		t.Error("store was closed while a handle was still open")
	}

	second.Close()
	third.Close()
	fourth, err := registry.OpenRecord(ctx, author, path)
	if err != nil {
		t.Fatalf("OpenRecord() error: %v", err)
	}
	defer fourth.Close()
	if fourth.Store == second.Store {
		t.Error("store survived its last handle")
	}
}

func TestRecordChangesReachOpenContexts(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	registry := newRegistry(t, Config{Client: keyring, Persist: persist.NewMemory()})
	ctx := context.Background()
	teamX := testutil.UniqueID("team-x")
	teamY := testutil.UniqueID("team-y")

	indexX, err := registry.OpenContext(ctx, teamX)
	if err != nil {
		t.Fatalf("OpenContext() error: %v", err)
	}
	defer indexX.Close()
	indexY, err := registry.OpenContext(ctx, teamY)
	if err != nil {
		t.Fatalf("OpenContext() error: %v", err)
	}
	defer indexY.Close()

	handle, err := registry.OpenRecord(ctx, author, testutil.UniqueID("path"))
	if err != nil {
		t.Fatalf("OpenRecord() error: %v", err)
	}
	defer handle.Close()

	if err := handle.Update(ctx, func(value envelope.Value) error {
		value[envelope.ContextField] = []string{teamX}
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got := countMembers(indexX); got != 1 {
		t.Errorf("team-x has %d members, want 1", got)
	}
	if got := countMembers(indexY); got != 0 {
		t.Errorf("team-y has %d members, want 0", got)
	}

	// Moving the record to team-y removes it from team-x.
	if err := handle.Update(ctx, func(value envelope.Value) error {
		value[envelope.ContextField] = []string{teamY}
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got := countMembers(indexX); got != 0 {
		t.Errorf("team-x has %d members after the move, want 0", got)
	}
	if got := countMembers(indexY); got != 1 {
		t.Errorf("team-y has %d members after the move, want 1", got)
	}
}

func TestLateContextSeesOpenRecords(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	registry := newRegistry(t, Config{Client: keyring})
	ctx := context.Background()
	team := testutil.UniqueID("team")

	handle, err := registry.OpenRecord(ctx, author, testutil.UniqueID("path"))
	if err != nil {
		t.Fatalf("OpenRecord() error: %v", err)
	}
	defer handle.Close()
	if err := handle.Update(ctx, func(value envelope.Value) error {
		value[envelope.ContextField] = []string{team}
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	index, err := registry.OpenContext(ctx, team)
	if err != nil {
		t.Fatalf("OpenContext() error: %v", err)
	}
	defer index.Close()
	if got := countMembers(index); got != 1 {
		t.Errorf("late index has %d members, want 1", got)
	}
}

func TestRegistriesReplicateLinks(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	defer network.Close()
	keyring, author := testutil.NewKeyring(t)
	ctx := context.Background()
	source := testutil.UniqueID("source")

	left := newRegistry(t, Config{Client: keyring, Mux: network.Node("left")})
	right := newRegistry(t, Config{Client: keyring, Mux: network.Node("right")})

	leftLinks, err := left.OpenLinks(ctx, source)
	if err != nil {
		t.Fatalf("OpenLinks() error: %v", err)
	}
	defer leftLinks.Close()
	rightLinks, err := right.OpenLinks(ctx, source)
	if err != nil {
		t.Fatalf("OpenLinks() error: %v", err)
	}
	defer rightLinks.Close()
	testutil.Settle(t, network)

	capability, err := leftLinks.CreateCapability(ctx, "target", author)
	if err != nil {
		t.Fatalf("CreateCapability() error: %v", err)
	}
	if err := leftLinks.UseCapability(ctx, capability, true); err != nil {
		t.Fatalf("UseCapability() error: %v", err)
	}
	testutil.Settle(t, network)
	if got := len(rightLinks.Links()); got != 1 {
		t.Errorf("right has %d links, want 1", got)
	}
}

func TestClosedRegistryRefusesOpen(t *testing.T) {
	keyring, _ := testutil.NewKeyring(t)
	registry := newRegistry(t, Config{Client: keyring})
	handle, err := registry.OpenLinks(context.Background(), testutil.UniqueID("source"))
	if err != nil {
		t.Fatalf("OpenLinks() error: %v", err)
	}
	if err := registry.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("handle Close() after registry Close error: %v", err)
	}
	if _, err := registry.OpenLinks(context.Background(), "other"); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenLinks() after Close error = %v, want ErrClosed", err)
	}
}
