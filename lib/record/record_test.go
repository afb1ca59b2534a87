// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/clock"
	"github.com/bureau-foundation/tessera/lib/codec"
	"github.com/bureau-foundation/tessera/lib/digest"
	"github.com/bureau-foundation/tessera/lib/envelope"
	"github.com/bureau-foundation/tessera/lib/persist"
	"github.com/bureau-foundation/tessera/lib/protocol"
	"github.com/bureau-foundation/tessera/lib/testutil"
	"github.com/bureau-foundation/tessera/transport"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// changeLog collects observed changes.
type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) observe(change Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *changeLog) all() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.changes)
}

// failingSigner refuses every signature.
type failingSigner struct {
	*actor.Keyring
}

func (failingSigner) Sign(context.Context, []byte, actor.ID) ([]byte, error) {
	return nil, errors.New("signer unavailable")
}

var errDiskFull = errors.New("disk full")

// failingStore is a persist.Store whose writes fail once fail is set.
type failingStore struct {
	*persist.Memory
	fail bool
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errDiskFull
	}
	return f.Memory.Put(ctx, key, value)
}

func openStore(t *testing.T, config Config) *Store {
	t.Helper()
	if config.Clock == nil {
		config.Clock = clock.Fake(epoch)
	}
	store, err := Open(context.Background(), config)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpdateAndGet(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: keyring})
	log := &changeLog{}
	store.AddObserver(log.observe)

	live := store.Live()
	err := store.Update(context.Background(), func(value envelope.Value) error {
		value["hello"] = "world"
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if got := store.Get()["hello"]; got != "world" {
		t.Errorf("Get()[hello] = %v, want world", got)
	}
	if got := live["hello"]; got != "world" {
		t.Errorf("live map was replaced instead of updated in place: hello = %v", got)
	}
	if store.Updated() == 0 {
		t.Error("Updated() = 0 after a write")
	}
	if store.Envelope() == nil {
		t.Fatal("Envelope() = nil after a write")
	}

	changes := log.all()
	if len(changes) != 1 {
		t.Fatalf("observed %d changes, want 1", len(changes))
	}
	if changes[0].Value["hello"] != "world" {
		t.Errorf("change value = %v, want hello=world", changes[0].Value)
	}

	verified, err := envelope.Verify(keyring, store.Envelope(), envelope.Options{Path: store.Path()})
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if verified.Updated != store.Updated() {
		t.Errorf("envelope updated = %d, want %d", verified.Updated, store.Updated())
	}
}

func TestUpdatesAreStrictlyIncreasing(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	// The fake clock never moves, so every timestamp comes from the
	// monotonic counter.
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: keyring})

	var previous int64
	for index := range 5 {
		err := store.Update(context.Background(), func(value envelope.Value) error {
			value["n"] = index
			return nil
		})
		if err != nil {
			t.Fatalf("Update(%d) error: %v", index, err)
		}
		if store.Updated() <= previous {
			t.Fatalf("Updated() = %d after %d, want strictly greater", store.Updated(), previous)
		}
		previous = store.Updated()
	}
}

func TestUpdateRequiresOwnActor(t *testing.T) {
	_, author := testutil.NewKeyring(t)
	other, _ := testutil.NewKeyring(t)
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: other})

	err := store.Update(context.Background(), func(value envelope.Value) error {
		value["x"] = 1
		return nil
	})
	if !errors.Is(err, protocol.ErrAuthorization) {
		t.Fatalf("Update() error = %v, want ErrAuthorization", err)
	}
	if len(store.Get()) != 0 {
		t.Errorf("Get() = %v after a rejected write, want empty", store.Get())
	}
}

func TestUpdateRollsBack(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	store := openStore(t, Config{Actor: author, Path: path, Client: keyring})
	if err := store.Update(context.Background(), func(value envelope.Value) error {
		value["kept"] = true
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	before := store.Updated()

	t.Run("MutatorError", func(t *testing.T) {
		err := store.Update(context.Background(), func(value envelope.Value) error {
			value["kept"] = false
			return errors.New("changed my mind")
		})
		if err == nil {
			t.Fatal("Update() succeeded, want the mutator's error")
		}
	})

	t.Run("InvalidContext", func(t *testing.T) {
		err := store.Update(context.Background(), func(value envelope.Value) error {
			value["kept"] = false
			value[envelope.ContextField] = "not-a-list"
			return nil
		})
		if !errors.Is(err, protocol.ErrSchema) {
			t.Fatalf("Update() error = %v, want ErrSchema", err)
		}
	})

	if store.Get()["kept"] != true {
		t.Errorf("Get()[kept] = %v after failed writes, want true", store.Get()["kept"])
	}
	if store.Updated() != before {
		t.Errorf("Updated() = %d after failed writes, want %d", store.Updated(), before)
	}
}

func TestUpdateRollsBackOnSignerFailure(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: failingSigner{keyring}})
	log := &changeLog{}
	store.AddObserver(log.observe)

	err := store.Update(context.Background(), func(value envelope.Value) error {
		value["x"] = 1
		return nil
	})
	if err == nil {
		t.Fatal("Update() succeeded with a failing signer")
	}
	if len(store.Live()) != 0 {
		t.Errorf("live value = %v after signer failure, want empty", store.Live())
	}
	if len(log.all()) != 0 {
		t.Error("observer notified of a write that failed to sign")
	}
}

func TestUpdateRollsBackOnPersistFailure(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	storage := &failingStore{Memory: persist.NewMemory()}
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: keyring, Persist: storage})
	if err := store.Update(context.Background(), func(value envelope.Value) error {
		value["kept"] = true
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	before := store.Updated()
	envelopeBefore := store.Envelope()

	log := &changeLog{}
	store.AddObserver(log.observe)
	storage.fail = true

	err := store.Update(context.Background(), func(value envelope.Value) error {
		value["kept"] = false
		value["extra"] = 1
		return nil
	})
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("Update() error = %v, want %v", err, errDiskFull)
	}
	if got := store.Get(); got["kept"] != true || len(got) != 1 {
		t.Errorf("Get() = %v after persist failure, want kept=true only", got)
	}
	if store.Updated() != before {
		t.Errorf("Updated() = %d after persist failure, want %d", store.Updated(), before)
	}
	if store.Envelope() != envelopeBefore {
		t.Error("Envelope() replaced by a write that failed to persist")
	}
	if len(log.all()) != 0 {
		t.Error("observer notified of a write that failed to persist")
	}

	// Once storage recovers the next write goes through.
	storage.fail = false
	if err := store.Update(context.Background(), func(value envelope.Value) error {
		value["extra"] = 2
		return nil
	}); err != nil {
		t.Fatalf("Update() after recovery error: %v", err)
	}
	if store.Updated() <= before {
		t.Errorf("Updated() = %d after recovery, want greater than %d", store.Updated(), before)
	}
	if len(log.all()) != 1 {
		t.Errorf("observed %d changes after recovery, want 1", len(log.all()))
	}
}

func TestDelete(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: keyring})
	if err := store.Update(context.Background(), func(value envelope.Value) error {
		value["a"] = 1
		value["b"] = 2
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	written := store.Updated()

	if err := store.Delete(context.Background()); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if len(store.Get()) != 0 {
		t.Errorf("Get() = %v after Delete, want empty", store.Get())
	}
	if store.Updated() <= written {
		t.Errorf("Updated() = %d after Delete, want greater than %d", store.Updated(), written)
	}
}

func TestReceiveStaleEnvelope(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	ctx := context.Background()

	older, err := envelope.Sign(ctx, keyring, author, path, envelope.Value{"v": "old"}, 100)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	newer, err := envelope.Sign(ctx, keyring, author, path, envelope.Value{"v": "new"}, 200)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	store := openStore(t, Config{Actor: author, Path: path, Client: keyring})
	accepted, err := store.Receive(ctx, newer.Envelope)
	if err != nil || !accepted {
		t.Fatalf("Receive(newer) = %v, %v; want true, nil", accepted, err)
	}

	log := &changeLog{}
	store.AddObserver(log.observe)

	accepted, err = store.Receive(ctx, older.Envelope)
	if err != nil {
		t.Fatalf("Receive(older) error: %v", err)
	}
	if accepted {
		t.Error("Receive(older) accepted a stale envelope")
	}
	if got := store.Get()["v"]; got != "new" {
		t.Errorf("Get()[v] = %v, want new", got)
	}
	if store.Updated() != 200 {
		t.Errorf("Updated() = %d, want 200", store.Updated())
	}
	if len(log.all()) != 0 {
		t.Errorf("observer saw %d changes for a stale envelope, want 0", len(log.all()))
	}

	// Equal timestamps keep the existing state.
	accepted, err = store.Receive(ctx, newer.Envelope)
	if err != nil || accepted {
		t.Errorf("Receive(same) = %v, %v; want false, nil", accepted, err)
	}
}

func TestReceiveIgnoresOtherActor(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	impostor, impostorID := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	ctx := context.Background()

	signed, err := envelope.Sign(ctx, impostor, impostorID, path, envelope.Value{"v": 1}, 100)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	store := openStore(t, Config{Actor: author, Path: path, Client: keyring})
	accepted, err := store.Receive(ctx, signed.Envelope)
	if err != nil || accepted {
		t.Errorf("Receive() = %v, %v; want false, nil", accepted, err)
	}
}

func TestReceiveRejectsTampering(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	ctx := context.Background()

	signed, err := envelope.Sign(ctx, keyring, author, path, envelope.Value{"v": 1}, 100)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	tampered := *signed.Envelope
	tampered.Payload = append([]byte(nil), tampered.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 0x01

	store := openStore(t, Config{Actor: author, Path: path, Client: keyring})
	if _, err := store.Receive(ctx, &tampered); !errors.Is(err, protocol.ErrActorVerification) {
		t.Errorf("Receive(tampered) error = %v, want ErrActorVerification", err)
	}

	otherPath, err := envelope.Sign(ctx, keyring, author, path+"-other", envelope.Value{"v": 1}, 100)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if _, err := store.Receive(ctx, otherPath.Envelope); !errors.Is(err, protocol.ErrIntegrity) {
		t.Errorf("Receive(other path) error = %v, want ErrIntegrity", err)
	}
}

func TestReceiveIsOrderIndependent(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	ctx := context.Background()

	var envelopes []*envelope.Envelope
	for index := range 4 {
		signed, err := envelope.Sign(ctx, keyring, author, path, envelope.Value{"n": index}, int64(100+index))
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}
		envelopes = append(envelopes, signed.Envelope)
	}

	forward := openStore(t, Config{Actor: author, Path: path, Client: keyring})
	backward := openStore(t, Config{Actor: author, Path: path, Client: keyring})
	for index := range envelopes {
		forward.Receive(ctx, envelopes[index])
		backward.Receive(ctx, envelopes[len(envelopes)-1-index])
		// Duplicates change nothing.
		backward.Receive(ctx, envelopes[len(envelopes)-1-index])
	}

	if forward.Updated() != backward.Updated() {
		t.Errorf("Updated() = %d and %d, want equal", forward.Updated(), backward.Updated())
	}
	if forward.Get()["n"] != backward.Get()["n"] {
		t.Errorf("values diverged: %v vs %v", forward.Get(), backward.Get())
	}
}

func TestChangeReportsContexts(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: keyring})
	log := &changeLog{}
	store.AddObserver(log.observe)
	ctx := context.Background()

	write := func(contexts ...string) {
		t.Helper()
		err := store.Update(ctx, func(value envelope.Value) error {
			value[envelope.ContextField] = contexts
			return nil
		})
		if err != nil {
			t.Fatalf("Update(%v) error: %v", contexts, err)
		}
	}
	write("team-x")
	write("team-x", "team-y")
	write("team-y")

	changes := log.all()
	if len(changes) != 3 {
		t.Fatalf("observed %d changes, want 3", len(changes))
	}
	cases := []struct {
		added, removed []string
	}{
		{added: []string{"team-x"}},
		{added: []string{"team-y"}},
		{removed: []string{"team-x"}},
	}
	for index, want := range cases {
		got := changes[index]
		if !slices.Equal(got.Added, want.added) {
			t.Errorf("change %d Added = %v, want %v", index, got.Added, want.added)
		}
		if !slices.Equal(got.Removed, want.removed) {
			t.Errorf("change %d Removed = %v, want %v", index, got.Removed, want.removed)
		}
	}
	if got := store.Contexts(); !slices.Equal(got, []string{"team-y"}) {
		t.Errorf("Contexts() = %v, want [team-y]", got)
	}
}

func TestRemoveObserver(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	store := openStore(t, Config{Actor: author, Path: testutil.UniqueID("path"), Client: keyring})
	log := &changeLog{}
	id := store.AddObserver(log.observe)
	store.RemoveObserver(id)

	if err := store.Delete(context.Background()); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if len(log.all()) != 0 {
		t.Error("removed observer was notified")
	}
}

func TestLoadRestoresPersistedRecord(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	storage := persist.NewMemory()

	first := openStore(t, Config{Actor: author, Path: path, Client: keyring, Persist: storage})
	if err := first.Update(context.Background(), func(value envelope.Value) error {
		value["saved"] = "yes"
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if storage.Len() != 1 {
		t.Fatalf("persisted %d entries, want 1", storage.Len())
	}

	second := openStore(t, Config{Actor: author, Path: path, Client: keyring, Persist: storage})
	if got := second.Get()["saved"]; got != "yes" {
		t.Errorf("restored Get()[saved] = %v, want yes", got)
	}
	if second.Updated() != first.Updated() {
		t.Errorf("restored Updated() = %d, want %d", second.Updated(), first.Updated())
	}

	// A restored store must not issue a timestamp that loses to its own
	// earlier write, even with a fresh monotonic source.
	if err := second.Update(context.Background(), func(value envelope.Value) error {
		value["saved"] = "again"
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if second.Updated() <= first.Updated() {
		t.Errorf("Updated() = %d after restore, want greater than %d", second.Updated(), first.Updated())
	}
}

func TestLoadSkipsUndecodableRecord(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	storage := persist.NewMemory()
	key := persist.RecordKey(author, digest.String(path))
	if err := storage.Put(context.Background(), key, []byte("not cbor")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	store := openStore(t, Config{Actor: author, Path: path, Client: keyring, Persist: storage})
	if len(store.Get()) != 0 {
		t.Errorf("Get() = %v, want empty", store.Get())
	}
	if store.Updated() != 0 {
		t.Errorf("Updated() = %d, want 0", store.Updated())
	}

	// The bad entry does not block new writes, and the next write
	// replaces it.
	if err := store.Update(context.Background(), func(value envelope.Value) error {
		value["fresh"] = true
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	reopened := openStore(t, Config{Actor: author, Path: path, Client: keyring, Persist: storage})
	if reopened.Get()["fresh"] != true {
		t.Errorf("reopened Get() = %v, want fresh=true", reopened.Get())
	}
}

func TestLoadSkipsRecordThatFailsVerification(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")
	ctx := context.Background()

	// An envelope signed for another path, stored under this path's key,
	// fails the path hash check on restore.
	wrong, err := envelope.Sign(ctx, keyring, author, testutil.UniqueID("other"), envelope.Value{"v": 1}, 100)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	data, err := codec.Marshal(wrong.Envelope)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	storage := persist.NewMemory()
	if err := storage.Put(ctx, persist.RecordKey(author, digest.String(path)), data); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	store := openStore(t, Config{Actor: author, Path: path, Client: keyring, Persist: storage})
	if len(store.Get()) != 0 {
		t.Errorf("Get() = %v, want empty", store.Get())
	}
	if store.Envelope() != nil {
		t.Error("Envelope() restored from an entry that failed verification")
	}
}

func TestLoadReportsStorageError(t *testing.T) {
	keyring, author := testutil.NewKeyring(t)
	_, err := Open(context.Background(), Config{
		Actor:   author,
		Path:    testutil.UniqueID("path"),
		Client:  keyring,
		Clock:   clock.Fake(epoch),
		Persist: unreadableStore{},
	})
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("Open() error = %v, want %v", err, errDiskFull)
	}
}

// unreadableStore fails every read.
type unreadableStore struct {
	persist.Store
}

func (unreadableStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errDiskFull
}

func TestReplicatesToReader(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	defer network.Close()

	writerKeys, author := testutil.NewKeyring(t)
	readerKeys, _ := testutil.NewKeyring(t)
	path := testutil.UniqueID("path")

	writer := openStore(t, Config{Actor: author, Path: path, Client: writerKeys, Mux: network.Node("writer")})
	if err := writer.Update(context.Background(), func(value envelope.Value) error {
		value["before"] = "join"
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	reader := openStore(t, Config{Actor: author, Path: path, Client: readerKeys, Mux: network.Node("reader")})
	testutil.Settle(t, network)
	if got := reader.Get()["before"]; got != "join" {
		t.Fatalf("reader Get()[before] = %v after join, want join", got)
	}

	// A write after both joined arrives by gossip.
	if err := writer.Update(context.Background(), func(value envelope.Value) error {
		value["after"] = "join"
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	testutil.Settle(t, network)
	if got := reader.Get()["after"]; got != "join" {
		t.Errorf("reader Get()[after] = %v after gossip, want join", got)
	}
	if reader.Updated() != writer.Updated() {
		t.Errorf("reader Updated() = %d, want %d", reader.Updated(), writer.Updated())
	}
}
