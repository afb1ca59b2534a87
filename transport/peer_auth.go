// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/tessera/lib/actor"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of an Ed25519 signature in bytes.
const authSignatureSize = 64

// authMaxIDLength bounds the claimed id in a hello.
const authMaxIDLength = 256

// authTimeout is the maximum time allowed for the whole handshake.
// Connections that have not authenticated by then are closed.
const authTimeout = 10 * time.Second

// ErrPeerAuthentication is returned when a peer fails the handshake.
var ErrPeerAuthentication = errors.New("transport: peer authentication failed")

// PeerAuthenticator proves the local node's identity to peers and
// checks theirs. A node's PeerID is its actor id, so the public key
// that verifies a peer travels inside the id it claims.
type PeerAuthenticator struct {
	Self     actor.ID
	Signer   actor.Signer
	Verifier actor.Verifier
}

func (a *PeerAuthenticator) sign(ctx context.Context, message []byte) ([]byte, error) {
	return a.Signer.Sign(ctx, message, a.Self)
}

func (a *PeerAuthenticator) verifyPeer(peer PeerID, message, signature []byte) error {
	publicKey, err := actor.ID(peer).PublicKey()
	if err != nil {
		return err
	}
	if !a.Verifier.Verify(signature, message, publicKey) {
		return errors.New("signature does not verify")
	}
	return nil
}

// runPeerAuth executes the mutual authentication protocol on a fresh
// connection. Both peers run it simultaneously. The protocol is:
//
//  1. Send a hello: the claimed id (2-byte length prefix) and a 32-byte
//     random nonce
//  2. Read the peer's hello
//  3. Sign (peerNonce || peerID), binding the response to the specific
//     challenger's identity
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it against (ownNonce || ownID) using the key in the
//     peer's claimed id
//
// The id binding in step 3 prevents a valid signature for peer A from
// being replayed to authenticate against peer B. When expected is not
// empty, a peer claiming any other id is rejected.
//
// Writes run on a background goroutine so that synchronous channels
// (such as net.Pipe), where Write blocks until the peer Reads, do not
// deadlock with both sides writing first.
//
// The caller owns the channel and closes it on error.
func runPeerAuth(ctx context.Context, channel io.ReadWriter, authenticator *PeerAuthenticator, expected PeerID) (PeerID, error) {
	self := string(authenticator.Self)
	if len(self) > authMaxIDLength {
		return "", fmt.Errorf("local id is %d bytes, limit %d", len(self), authMaxIDLength)
	}

	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating auth nonce: %w", err)
	}
	hello := binary.BigEndian.AppendUint16(nil, uint16(len(self)))
	hello = append(hello, self...)
	hello = append(hello, nonce...)

	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)
	go func() {
		if _, err := channel.Write(hello); err != nil {
			writeErrors <- fmt.Errorf("sending hello: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			writeErrors <- nil
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peer, peerNonce, err := readHello(channel)
	if err != nil {
		close(signatureToSend)
		return "", err
	}
	if expected != "" && peer != expected {
		close(signatureToSend)
		return "", fmt.Errorf("%w: dialed %s, peer claims %s", ErrPeerAuthentication, expected, peer)
	}
	if err := actor.ID(peer).Validate(); err != nil {
		close(signatureToSend)
		return "", fmt.Errorf("%w: %v", ErrPeerAuthentication, err)
	}

	signedMessage := make([]byte, 0, authNonceSize+len(peer))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peer...)
	signature, err := authenticator.sign(ctx, signedMessage)
	if err != nil {
		close(signatureToSend)
		return "", fmt.Errorf("signing auth challenge: %w", err)
	}
	signatureToSend <- signature

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return "", fmt.Errorf("reading peer signature: %w", err)
	}
	if err := <-writeErrors; err != nil {
		return "", err
	}

	verifyMessage := make([]byte, 0, authNonceSize+len(self))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, self...)
	if err := authenticator.verifyPeer(peer, verifyMessage, peerSignature); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPeerAuthentication, peer, err)
	}
	return peer, nil
}

func readHello(channel io.Reader) (PeerID, []byte, error) {
	var lengthBytes [2]byte
	if _, err := io.ReadFull(channel, lengthBytes[:]); err != nil {
		return "", nil, fmt.Errorf("reading peer hello: %w", err)
	}
	length := int(binary.BigEndian.Uint16(lengthBytes[:]))
	if length == 0 || length > authMaxIDLength {
		return "", nil, fmt.Errorf("%w: hello id length %d", ErrPeerAuthentication, length)
	}
	body := make([]byte, length+authNonceSize)
	if _, err := io.ReadFull(channel, body); err != nil {
		return "", nil, fmt.Errorf("reading peer hello: %w", err)
	}
	return PeerID(body[:length]), body[length:], nil
}
