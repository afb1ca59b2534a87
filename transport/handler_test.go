// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/tessera/lib/testutil"
)

type eventKind string

const (
	eventMessage     eventKind = "message"
	eventAnnounced   eventKind = "announced"
	eventUnannounced eventKind = "unannounced"
)

type handlerEvent struct {
	kind eventKind
	peer PeerID
	data string
}

// recorder is a Handler that forwards every callback to a channel.
type recorder struct {
	events chan handlerEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan handlerEvent, 64)}
}

func (r *recorder) OnMessage(_ context.Context, peer PeerID, data []byte) {
	r.events <- handlerEvent{kind: eventMessage, peer: peer, data: string(data)}
}

func (r *recorder) OnPeerAnnounced(_ context.Context, peer PeerID) {
	r.events <- handlerEvent{kind: eventAnnounced, peer: peer}
}

func (r *recorder) OnPeerUnannounced(peer PeerID) {
	r.events <- handlerEvent{kind: eventUnannounced, peer: peer}
}

// expect waits for the next event and fails unless it matches.
func (r *recorder) expect(t *testing.T, kind eventKind, peer PeerID) handlerEvent {
	t.Helper()
	event := testutil.RequireReceive(t, r.events, 10*time.Second, "waiting for %s from %s", kind, peer)
	if event.kind != kind || event.peer != peer {
		t.Fatalf("event = %s from %s, want %s from %s", event.kind, event.peer, kind, peer)
	}
	return event
}

// expectNone fails if any event is pending.
func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case event := <-r.events:
		t.Fatalf("unexpected event %s from %s", event.kind, event.peer)
	default:
	}
}
