// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/codec"
)

var sampleID = strings.Repeat("ab", 32)

func signedSample(t *testing.T) actor.Signed {
	t.Helper()
	keyring := actor.NewKeyring()
	t.Cleanup(func() { keyring.Close() })
	id, err := keyring.Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	signed, err := actor.Sign(context.Background(), keyring, id, []byte{0xa0})
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return *signed
}

func TestEncodeDecodeEachIntent(t *testing.T) {
	signed := signedSample(t)
	messages := []Message{
		&Have{Links: map[string]bool{sampleID: false}},
		&Want{Links: map[string]bool{sampleID: true}},
		&Give{Signature: signed, Target: map[string]any{"a": uint64(1)}},
		&Give{Signature: signed},
		&Record{Envelope: signed},
	}
	for _, message := range messages {
		data, err := Encode(message)
		if err != nil {
			t.Fatalf("Encode(%s) error: %v", message.Intent(), err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", message.Intent(), err)
		}
		if decoded.Intent() != message.Intent() {
			t.Errorf("Decode intent = %s, want %s", decoded.Intent(), message.Intent())
		}
	}
}

func TestGiveWithoutTargetOmitsField(t *testing.T) {
	data, err := Encode(&Give{Signature: signedSample(t)})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if target := decoded.(*Give).Target; target != nil {
		t.Errorf("Target = %v, want nil", target)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	raw := func(v any) []byte {
		data, err := codec.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		return data
	}
	body := raw(map[string]any{"links": map[string]any{sampleID: false}})

	cases := []struct {
		name string
		data []byte
	}{
		{"not cbor", []byte{0xff}},
		{"unknown intent", raw(map[string]any{"intent": "query", "body": codec.RawMessage(body)})},
		{"missing body", raw(map[string]any{"intent": "have"})},
		{"extra frame field", raw(map[string]any{"intent": "have", "body": codec.RawMessage(body), "x": 1})},
		{"missing links", raw(map[string]any{"intent": "have", "body": codec.RawMessage(raw(map[string]any{}))})},
		{"extra body field", raw(map[string]any{"intent": "want", "body": codec.RawMessage(raw(map[string]any{
			"links": map[string]any{sampleID: true}, "since": 4,
		}))})},
		{"mistyped flag", raw(map[string]any{"intent": "have", "body": codec.RawMessage(raw(map[string]any{
			"links": map[string]any{sampleID: "yes"},
		}))})},
		{"malformed id", raw(map[string]any{"intent": "have", "body": codec.RawMessage(raw(map[string]any{
			"links": map[string]any{"not-an-id": false},
		}))})},
		{"give without actor", raw(map[string]any{"intent": "give", "body": codec.RawMessage(raw(map[string]any{
			"signature": map[string]any{"actor": "", "payload": []byte{1}, "signature": []byte{1}},
		}))})},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := Decode(testCase.data); !errors.Is(err, ErrSchema) {
				t.Errorf("Decode() error = %v, want ErrSchema", err)
			}
		})
	}
}

func TestValidID(t *testing.T) {
	if !ValidID(sampleID) {
		t.Errorf("ValidID(%q) = false", sampleID)
	}
	for _, bad := range []string{"", "AB" + sampleID[2:], sampleID[:63], sampleID + "0"} {
		if ValidID(bad) {
			t.Errorf("ValidID(%q) = true", bad)
		}
	}
}
