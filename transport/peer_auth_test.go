// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/testutil"
)

// newTestAuthenticator returns an authenticator for a freshly
// generated node identity.
func newTestAuthenticator(t *testing.T) *PeerAuthenticator {
	t.Helper()
	keyring, id := testutil.NewKeyring(t)
	return &PeerAuthenticator{Self: id, Signer: keyring, Verifier: actor.Ed25519Verifier{}}
}

// rogueSigner signs for any claimed actor with its own key.
type rogueSigner struct {
	privateKey ed25519.PrivateKey
}

func (s rogueSigner) Sign(_ context.Context, message []byte, _ actor.ID) ([]byte, error) {
	return ed25519.Sign(s.privateKey, message), nil
}

type authResult struct {
	peer PeerID
	err  error
}

// runBothSides runs the handshake on both ends of a net.Pipe.
func runBothSides(alpha, beta *PeerAuthenticator, alphaExpects, betaExpects PeerID) (authResult, authResult) {
	connectionAlpha, connectionBeta := net.Pipe()
	alphaResult := make(chan authResult, 1)
	betaResult := make(chan authResult, 1)
	go func() {
		peer, err := runPeerAuth(context.Background(), connectionAlpha, alpha, alphaExpects)
		connectionAlpha.Close()
		alphaResult <- authResult{peer, err}
	}()
	go func() {
		peer, err := runPeerAuth(context.Background(), connectionBeta, beta, betaExpects)
		connectionBeta.Close()
		betaResult <- authResult{peer, err}
	}()
	return <-alphaResult, <-betaResult
}

func TestRunPeerAuth_MutualSuccess(t *testing.T) {
	alpha := newTestAuthenticator(t)
	beta := newTestAuthenticator(t)

	alphaResult, betaResult := runBothSides(alpha, beta, "", PeerID(alpha.Self))
	if alphaResult.err != nil {
		t.Fatalf("alpha authentication failed: %v", alphaResult.err)
	}
	if betaResult.err != nil {
		t.Fatalf("beta authentication failed: %v", betaResult.err)
	}
	if alphaResult.peer != PeerID(beta.Self) {
		t.Errorf("alpha sees peer %s, want %s", alphaResult.peer, beta.Self)
	}
	if betaResult.peer != PeerID(alpha.Self) {
		t.Errorf("beta sees peer %s, want %s", betaResult.peer, alpha.Self)
	}
}

// TestRunPeerAuth_Impersonation verifies that a peer claiming another
// node's id cannot answer the challenge without that node's key.
func TestRunPeerAuth_Impersonation(t *testing.T) {
	alpha := newTestAuthenticator(t)
	victim := newTestAuthenticator(t)
	_, roguePrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating rogue key: %v", err)
	}
	rogue := &PeerAuthenticator{
		Self:     victim.Self,
		Signer:   rogueSigner{privateKey: roguePrivate},
		Verifier: actor.Ed25519Verifier{},
	}

	alphaResult, _ := runBothSides(alpha, rogue, "", "")
	if !errors.Is(alphaResult.err, ErrPeerAuthentication) {
		t.Fatalf("alpha error = %v, want ErrPeerAuthentication", alphaResult.err)
	}
}

// TestRunPeerAuth_UnexpectedPeer verifies that a dialer that knows
// which node it meant to reach rejects any other.
func TestRunPeerAuth_UnexpectedPeer(t *testing.T) {
	alpha := newTestAuthenticator(t)
	beta := newTestAuthenticator(t)
	other := newTestAuthenticator(t)

	alphaResult, _ := runBothSides(alpha, beta, PeerID(other.Self), "")
	if !errors.Is(alphaResult.err, ErrPeerAuthentication) {
		t.Fatalf("alpha error = %v, want ErrPeerAuthentication", alphaResult.err)
	}
}

// TestRunPeerAuth_MalformedID verifies that a claimed id without an
// embedded public key is rejected before any signing.
func TestRunPeerAuth_MalformedID(t *testing.T) {
	alpha := newTestAuthenticator(t)
	keyring, _ := testutil.NewKeyring(t)
	malformed := &PeerAuthenticator{Self: "machine/beta", Signer: keyring, Verifier: actor.Ed25519Verifier{}}

	alphaResult, _ := runBothSides(alpha, malformed, "", "")
	if !errors.Is(alphaResult.err, ErrPeerAuthentication) {
		t.Fatalf("alpha error = %v, want ErrPeerAuthentication", alphaResult.err)
	}
}

// TestRunPeerAuth_BrokenChannel verifies that authentication fails
// when the connection breaks before the handshake starts.
func TestRunPeerAuth_BrokenChannel(t *testing.T) {
	alpha := newTestAuthenticator(t)
	connectionAlpha, connectionBeta := net.Pipe()
	connectionBeta.Close()

	if _, err := runPeerAuth(context.Background(), connectionAlpha, alpha, ""); err == nil {
		t.Fatal("expected error from broken channel, got nil")
	}
}
