// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

// newWebRTCPair returns two transports sharing a MemorySignaler, both
// serving echo until the test ends.
func newWebRTCPair(t *testing.T) (*WebRTCTransport, *WebRTCTransport) {
	t.Helper()
	signaler := NewMemorySignaler()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	// Empty ICE config means host candidates only (loopback).
	alpha := NewWebRTCTransport(signaler, "node/alpha", ICEConfig{}, logger)
	beta := NewWebRTCTransport(signaler, "node/beta", ICEConfig{}, logger)
	t.Cleanup(func() {
		alpha.Close()
		beta.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go alpha.Serve(ctx, echo)
	go beta.Serve(ctx, echo)
	<-alpha.Ready()
	<-beta.Ready()
	return alpha, beta
}

// roundTrip writes payload on conn and reads the echo back.
func roundTrip(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	writeErrors := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		writeErrors <- err
	}()
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if err := <-writeErrors; err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("echo differs from payload (%d bytes)", len(payload))
	}
}

// TestWebRTCTransport_DialAndServe verifies that bytes round-trip
// through a data channel between two transports.
func TestWebRTCTransport_DialAndServe(t *testing.T) {
	alpha, _ := newWebRTCPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	conn, err := alpha.DialContext(ctx, "node/beta")
	if err != nil {
		t.Fatalf("DialContext error: %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, []byte("hello from alpha"))
}

// TestWebRTCTransport_LargeWrite verifies that a write larger than one
// SCTP message arrives intact.
func TestWebRTCTransport_LargeWrite(t *testing.T) {
	alpha, _ := newWebRTCPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	conn, err := alpha.DialContext(ctx, "node/beta")
	if err != nil {
		t.Fatalf("DialContext error: %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, bytes.Repeat([]byte{0x5a, 0xa5, 0x3c}, 50000))
}

// TestWebRTCTransport_ConcurrentDials verifies that concurrent dials to
// one peer share a PeerConnection and each get their own channel.
func TestWebRTCTransport_ConcurrentDials(t *testing.T) {
	alpha, _ := newWebRTCPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const dialers = 4
	var waitGroup sync.WaitGroup
	errs := make(chan error, dialers)
	for index := range dialers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			conn, err := alpha.DialContext(ctx, "node/beta")
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			payload := []byte{byte(index), 'x', 'y'}
			if _, err := conn.Write(payload); err != nil {
				errs <- err
				return
			}
			echoed := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, echoed); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(echoed, payload) {
				errs <- io.ErrUnexpectedEOF
			}
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("dial %v", err)
	}

	alpha.mu.Lock()
	peerCount := len(alpha.peers)
	alpha.mu.Unlock()
	if peerCount != 1 {
		t.Errorf("alpha holds %d PeerConnections, want 1", peerCount)
	}
}

func TestWebRTCTransport_Address(t *testing.T) {
	signaler := NewMemorySignaler()
	wt := NewWebRTCTransport(signaler, "node/workstation", ICEConfig{}, nil)
	defer wt.Close()

	if address := wt.Address(); address != "node/workstation" {
		t.Errorf("Address() = %q, want %q", address, "node/workstation")
	}
}

// TestWebRTCTransport_DialAfterClose verifies that DialContext returns an
// error after the transport is closed.
func TestWebRTCTransport_DialAfterClose(t *testing.T) {
	signaler := NewMemorySignaler()
	wt := NewWebRTCTransport(signaler, "node/alpha", ICEConfig{}, nil)
	wt.Close()

	_, err := wt.DialContext(context.Background(), "node/beta")
	if err == nil {
		t.Fatal("expected error from DialContext after Close, got nil")
	}
}

// TestWebRTCTransport_Bidirectional verifies that after alpha connects
// to beta, beta can open channels back to alpha.
func TestWebRTCTransport_Bidirectional(t *testing.T) {
	alpha, beta := newWebRTCPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	toBeta, err := alpha.DialContext(ctx, "node/beta")
	if err != nil {
		t.Fatalf("alpha DialContext error: %v", err)
	}
	defer toBeta.Close()
	roundTrip(t, toBeta, []byte("to-beta"))

	toAlpha, err := beta.DialContext(ctx, "node/alpha")
	if err != nil {
		t.Fatalf("beta DialContext error: %v", err)
	}
	defer toAlpha.Close()
	roundTrip(t, toAlpha, []byte("to-alpha"))
}

// TestWebRTCTransport_UpdateICEConfig verifies that UpdateICEConfig
// replaces the config used for future PeerConnections.
func TestWebRTCTransport_UpdateICEConfig(t *testing.T) {
	signaler := NewMemorySignaler()
	wt := NewWebRTCTransport(signaler, "node/alpha", ICEConfig{}, nil)
	defer wt.Close()

	wt.configMu.RLock()
	if len(wt.iceConfig.Servers) != 0 {
		t.Errorf("initial servers = %d, want 0", len(wt.iceConfig.Servers))
	}
	wt.configMu.RUnlock()

	wt.UpdateICEConfig(NewICEConfig([]ICEServer{{
		URLs:       []string{"turn:turn.local:3478"},
		Username:   "user",
		Credential: "pass",
	}}))

	wt.configMu.RLock()
	if len(wt.iceConfig.Servers) != 1 {
		t.Errorf("updated servers = %d, want 1", len(wt.iceConfig.Servers))
	}
	wt.configMu.RUnlock()
}

// TestMemorySignaler_PublishAndPoll verifies the in-process signaler
// correctly stores and retrieves offers and answers.
func TestMemorySignaler_PublishAndPoll(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	// Publish an offer from A to B.
	if err := signaler.PublishOffer(ctx, "node/a", "node/b", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	// B polls for offers.
	offers, err := signaler.PollOffers(ctx, "node/b")
	if err != nil {
		t.Fatalf("PollOffers failed: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	if offers[0].Peer != "node/a" {
		t.Errorf("Peer = %q, want %q", offers[0].Peer, "node/a")
	}
	if offers[0].SDP != "offer-sdp" {
		t.Errorf("SDP = %q, want %q", offers[0].SDP, "offer-sdp")
	}

	// Polling again returns nothing (already seen).
	offers, err = signaler.PollOffers(ctx, "node/b")
	if err != nil {
		t.Fatalf("second PollOffers failed: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("expected 0 offers on second poll, got %d", len(offers))
	}

	// Publish an answer from B to A.
	if err := signaler.PublishAnswer(ctx, "node/a", "node/b", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}

	// A polls for answers.
	answers, err := signaler.PollAnswers(ctx, "node/a")
	if err != nil {
		t.Fatalf("PollAnswers failed: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	if answers[0].Peer != "node/b" {
		t.Errorf("Peer = %q, want %q", answers[0].Peer, "node/b")
	}
	if answers[0].SDP != "answer-sdp" {
		t.Errorf("SDP = %q, want %q", answers[0].SDP, "answer-sdp")
	}
}

func TestMemorySignaler_IndependentConsumers(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	// Publish an offer from A to both B and C (different keys).
	if err := signaler.PublishOffer(ctx, "node/a", "node/b", "offer-for-b"); err != nil {
		t.Fatalf("PublishOffer to B failed: %v", err)
	}

	// B sees the offer.
	offers, err := signaler.PollOffers(ctx, "node/b")
	if err != nil {
		t.Fatalf("PollOffers for B failed: %v", err)
	}
	if len(offers) != 1 {
		t.Errorf("expected 1 offer for B, got %d", len(offers))
	}

	// C should not see an offer directed at B.
	offers, err = signaler.PollOffers(ctx, "node/c")
	if err != nil {
		t.Fatalf("PollOffers for C failed: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("expected 0 offers for C, got %d", len(offers))
	}
}
