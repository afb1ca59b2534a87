// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"crypto/ed25519"
)

// Verifier checks a signature over message against publicKey.
type Verifier interface {
	Verify(signature, message []byte, publicKey ed25519.PublicKey) bool
}

// Signer produces signatures on behalf of actors it controls.
type Signer interface {
	Sign(ctx context.Context, message []byte, actor ID) ([]byte, error)
}

// Client is the identity collaborator consumed by the stores.
type Client interface {
	Signer
	Verifier

	// CurrentActor returns the actor local writes are attributed to,
	// or the empty ID when none is selected.
	CurrentActor() ID
}

// Ed25519Verifier verifies plain Ed25519 signatures. It holds no state.
type Ed25519Verifier struct{}

// Verify implements Verifier.
func (Ed25519Verifier) Verify(signature, message []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
