// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a container's signature does not
// verify under its actor's key.
var ErrBadSignature = errors.New("actor: signature verification failed")

// Signed is an actor-signed container. Payload is opaque here; each
// protocol defines its own payload encoding.
type Signed struct {
	Actor     ID     `cbor:"actor"`
	Payload   []byte `cbor:"payload"`
	Signature []byte `cbor:"signature"`
}

// Sign asks signer for actor's signature over payload and returns the
// container.
func Sign(ctx context.Context, signer Signer, actor ID, payload []byte) (*Signed, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	signature, err := signer.Sign(ctx, payload, actor)
	if err != nil {
		return nil, fmt.Errorf("actor: signing as %s: %w", actor, err)
	}
	return &Signed{Actor: actor, Payload: payload, Signature: signature}, nil
}

// Verify checks the container's signature against the key embedded in
// its actor id.
func (s *Signed) Verify(verifier Verifier) error {
	publicKey, err := s.Actor.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !verifier.Verify(s.Signature, s.Payload, publicKey) {
		return fmt.Errorf("%w: actor %s", ErrBadSignature, s.Actor)
	}
	return nil
}
