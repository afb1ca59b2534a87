// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

type sampleMessage struct {
	Intent string `cbor:"intent"`
	Source string `cbor:"source,omitempty"`
	Count  int    `cbor:"count"`
}

type widerMessage struct {
	Intent string `cbor:"intent"`
	Source string `cbor:"source,omitempty"`
	Count  int    `cbor:"count"`
	Extra  string `cbor:"extra"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleMessage{Intent: "have", Source: "inbox", Count: 42}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleMessage
	if err := UnmarshalStrict(data, &decoded); err != nil {
		t.Fatalf("UnmarshalStrict: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalMapKeyOrderIndependent(t *testing.T) {
	// Core Deterministic Encoding sorts keys, so two maps built in
	// different orders encode identically. Target hashing depends on it.
	first := map[string]any{}
	first["zeta"] = uint64(1)
	first["alpha"] = "a"
	first["mid"] = []any{"x", "y"}

	second := map[string]any{}
	second["mid"] = []any{"x", "y"}
	second["alpha"] = "a"
	second["zeta"] = uint64(1)

	a, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal first: %v", err)
	}
	b, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal second: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("deterministic encoding violated: %x != %x", a, b)
	}
}

func TestUnmarshalStrictRejectsUnknownField(t *testing.T) {
	data, err := Marshal(widerMessage{Intent: "want", Count: 1, Extra: "surprise"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var strict sampleMessage
	if err := UnmarshalStrict(data, &strict); err == nil {
		t.Error("UnmarshalStrict accepted a message with an unknown field")
	}

	var lenient sampleMessage
	if err := Unmarshal(data, &lenient); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if lenient.Intent != "want" {
		t.Errorf("lenient Intent = %q, want %q", lenient.Intent, "want")
	}
}

func TestUnmarshalStrictRejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}

	var decoded map[string]any
	if err := UnmarshalStrict(data, &decoded); err == nil {
		t.Errorf("UnmarshalStrict accepted duplicate keys: %v", decoded)
	}
}

func TestUnmarshalStrictRejectsTrailingBytes(t *testing.T) {
	data, err := Marshal("hello")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data = append(data, 0x01)

	var decoded string
	if err := UnmarshalStrict(data, &decoded); err == nil {
		t.Error("UnmarshalStrict accepted trailing bytes")
	}
}

func TestAnyTargetDecodesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	inner, ok := outer["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["nested"])
	}
	if inner["k"] != "v" {
		t.Errorf("nested[k] = %v, want v", inner["k"])
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	messages := []sampleMessage{
		{Intent: "have", Source: "a", Count: 1},
		{Intent: "want", Source: "b", Count: 2},
		{Intent: "give", Count: 0},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, message := range messages {
		if err := encoder.Encode(message); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range messages {
		var got sampleMessage
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode message %d: %v", i, err)
		}
		if got != want {
			t.Errorf("message %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var message sampleMessage
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &message); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"intent": "have"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(notation, `"intent"`) || !strings.Contains(notation, `"have"`) {
		t.Errorf("notation %q does not contain the encoded pair", notation)
	}
}

func BenchmarkMarshal(b *testing.B) {
	message := sampleMessage{Intent: "give", Source: "inbox", Count: 42}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(message)
	}
}
