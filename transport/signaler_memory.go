// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ Signaler = (*MemorySignaler)(nil)

// signalingSeparator joins offerer and target in a signal key. Actor
// ids never contain it.
const signalingSeparator = "|"

// MemorySignaler is an in-process Signaler. Two WebRTCTransport
// instances sharing one MemorySignaler establish PeerConnections with
// no rendezvous service.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]time.Time
}

// NewMemorySignaler creates an empty signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, self, target PeerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey(self, target)] = SignalMessage{
		Peer:      self,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, self PeerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey(offerer, self)] = SignalMessage{
		Peer:      self,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, self PeerID) ([]SignalMessage, error) {
	return s.pollSignals(self, s.offers, "offers", matchOfferKey)
}

func (s *MemorySignaler) PollAnswers(_ context.Context, self PeerID) ([]SignalMessage, error) {
	return s.pollSignals(self, s.answers, "answers", matchAnswerKey)
}

// signalKeyMatcher reports whether key addresses self, returning the
// other party.
type signalKeyMatcher func(key string, self PeerID) (PeerID, bool)

func signalKey(offerer, target PeerID) string {
	return string(offerer) + signalingSeparator + string(target)
}

// matchOfferKey matches offers whose target is self.
func matchOfferKey(key string, self PeerID) (PeerID, bool) {
	offerer, target, ok := strings.Cut(key, signalingSeparator)
	if !ok || PeerID(target) != self {
		return "", false
	}
	return PeerID(offerer), true
}

// matchAnswerKey matches answers to offers self originated.
func matchAnswerKey(key string, self PeerID) (PeerID, bool) {
	offerer, target, ok := strings.Cut(key, signalingSeparator)
	if !ok || PeerID(offerer) != self {
		return "", false
	}
	return PeerID(target), true
}

// pollSignals returns messages in store addressed to self whose
// timestamps are newer than the last poll saw.
func (s *MemorySignaler) pollSignals(self PeerID, store map[string]SignalMessage, storeLabel string, match signalKeyMatcher) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for key, msg := range store {
		if _, ok := match(key, self); !ok {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			continue
		}
		seenKey := storeLabel + ":" + string(self) + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp
		messages = append(messages, msg)
	}
	return messages, nil
}
