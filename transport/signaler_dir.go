// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tessera/lib/codec"
)

var _ Signaler = (*DirSignaler)(nil)

const (
	offersDir  = "offers"
	answersDir = "answers"
)

// DirSignaler exchanges signals through files in a directory every
// node can see (a shared volume, a synced folder). Each offer or answer
// is one CBOR file named after its offerer and target; republishing
// replaces the file atomically.
type DirSignaler struct {
	root string

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// dirSignal is the on-disk form of one signal.
type dirSignal struct {
	Offerer   PeerID `cbor:"offerer"`
	Target    PeerID `cbor:"target"`
	SDP       string `cbor:"sdp"`
	Timestamp string `cbor:"timestamp"`
}

// NewDirSignaler returns a signaler rooted at root, creating its
// subdirectories.
func NewDirSignaler(root string) (*DirSignaler, error) {
	for _, sub := range []string{offersDir, answersDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("creating signaling directory: %w", err)
		}
	}
	return &DirSignaler{root: root, lastSeen: make(map[string]time.Time)}, nil
}

func (s *DirSignaler) PublishOffer(_ context.Context, self, target PeerID, sdp string) error {
	return s.publish(offersDir, self, target, sdp)
}

func (s *DirSignaler) PublishAnswer(_ context.Context, offerer, self PeerID, sdp string) error {
	return s.publish(answersDir, offerer, self, sdp)
}

func (s *DirSignaler) PollOffers(ctx context.Context, self PeerID) ([]SignalMessage, error) {
	return s.poll(ctx, offersDir, self, matchOfferKey)
}

func (s *DirSignaler) PollAnswers(ctx context.Context, self PeerID) ([]SignalMessage, error) {
	return s.poll(ctx, answersDir, self, matchAnswerKey)
}

func (s *DirSignaler) publish(kind string, offerer, target PeerID, sdp string) error {
	data, err := codec.Marshal(dirSignal{
		Offerer:   offerer,
		Target:    target,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}

	directory := filepath.Join(s.root, kind)
	name := base64.RawURLEncoding.EncodeToString([]byte(signalKey(offerer, target)))
	temporary, err := os.CreateTemp(directory, ".signal-*")
	if err != nil {
		return fmt.Errorf("creating signal file: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("writing signal file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("closing signal file: %w", err)
	}
	if err := os.Rename(temporary.Name(), filepath.Join(directory, name)); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("publishing signal file: %w", err)
	}
	return nil
}

func (s *DirSignaler) poll(ctx context.Context, kind string, self PeerID, match signalKeyMatcher) ([]SignalMessage, error) {
	directory := filepath.Join(s.root, kind)
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		keyBytes, err := base64.RawURLEncoding.DecodeString(name)
		if err != nil {
			continue
		}
		key := string(keyBytes)
		peer, ok := match(key, self)
		if !ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(directory, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return messages, fmt.Errorf("reading signal file: %w", err)
		}
		var signal dirSignal
		if err := codec.Unmarshal(data, &signal); err != nil {
			continue
		}
		if signalKey(signal.Offerer, signal.Target) != key {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, signal.Timestamp)
		if err != nil {
			continue
		}
		seenKey := kind + ":" + string(self) + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp
		messages = append(messages, SignalMessage{Peer: peer, SDP: signal.SDP, Timestamp: signal.Timestamp})
	}
	return messages, nil
}
