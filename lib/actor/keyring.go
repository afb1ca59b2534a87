// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/tessera/lib/secret"
)

// ErrUnknownActor is returned when asked to sign for an actor whose key
// the keyring does not hold.
var ErrUnknownActor = errors.New("actor: no key for actor")

// Keyring holds Ed25519 seeds for the actors this process controls. It
// implements Client. The zero value is not usable; call NewKeyring.
type Keyring struct {
	Ed25519Verifier

	mu      sync.Mutex
	seeds   map[ID]*secret.Buffer
	current ID
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{seeds: make(map[ID]*secret.Buffer)}
}

// Generate creates a new actor, adds it to the keyring and selects it
// if no actor is current.
func (k *Keyring) Generate() (ID, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	defer secret.Zero(private)
	seed, err := secret.NewFromBytes(private.Seed())
	if err != nil {
		return "", fmt.Errorf("protecting seed: %w", err)
	}
	return k.AddSeed(seed)
}

// AddSeed takes ownership of an Ed25519 seed and returns its actor. The
// first actor added becomes current.
func (k *Keyring) AddSeed(seed *secret.Buffer) (ID, error) {
	if seed.Len() != ed25519.SeedSize {
		seed.Close()
		return "", fmt.Errorf("actor: seed has %d bytes, want %d", seed.Len(), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed.Bytes())
	id := IDFromPublicKey(private.Public().(ed25519.PublicKey))
	secret.Zero(private)

	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.seeds[id]; ok {
		existing.Close()
	}
	k.seeds[id] = seed
	if k.current == "" {
		k.current = id
	}
	return id, nil
}

// Use selects the actor local writes are attributed to.
func (k *Keyring) Use(id ID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.seeds[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	k.current = id
	return nil
}

// CurrentActor implements Client.
func (k *Keyring) CurrentActor() ID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Actors returns every actor the keyring can sign for.
func (k *Keyring) Actors() []ID {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]ID, 0, len(k.seeds))
	for id := range k.seeds {
		ids = append(ids, id)
	}
	return ids
}

// Sign implements Signer.
func (k *Keyring) Sign(ctx context.Context, message []byte, actor ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	seed, ok := k.seeds[actor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, actor)
	}
	private := ed25519.NewKeyFromSeed(seed.Bytes())
	defer secret.Zero(private)
	return ed25519.Sign(private, message), nil
}

// Close releases every held seed.
func (k *Keyring) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var firstError error
	for id, seed := range k.seeds {
		if err := seed.Close(); err != nil && firstError == nil {
			firstError = err
		}
		delete(k.seeds, id)
	}
	k.current = ""
	return firstError
}
