// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bureau-foundation/tessera/lib/codec"
)

func TestFrameRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("announcement "), 200)
	var stream bytes.Buffer
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		encoded, err := encodeFrame(frame{Kind: frameData, Topic: "topic", Data: data}, compression)
		if err != nil {
			t.Fatalf("encodeFrame(%s) error: %v", compression, err)
		}
		stream.Write(encoded)
	}
	joinFrame, err := encodeFrame(frame{Kind: frameJoin, Topic: "topic"}, CompressionZstd)
	if err != nil {
		t.Fatalf("encodeFrame(join) error: %v", err)
	}
	stream.Write(joinFrame)

	for index := range 3 {
		decoded, err := readFrame(&stream)
		if err != nil {
			t.Fatalf("readFrame(%d) error: %v", index, err)
		}
		if decoded.Kind != frameData || decoded.Topic != "topic" || !bytes.Equal(decoded.Data, data) {
			t.Errorf("frame %d = kind %d topic %q (%d bytes), want data frame", index, decoded.Kind, decoded.Topic, len(decoded.Data))
		}
	}
	decoded, err := readFrame(&stream)
	if err != nil {
		t.Fatalf("readFrame(join) error: %v", err)
	}
	if decoded.Kind != frameJoin {
		t.Errorf("Kind = %d, want %d", decoded.Kind, frameJoin)
	}
}

func TestReadFrame_RejectsOversizeLength(t *testing.T) {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], maxFrameSize+1)
	if _, err := readFrame(bytes.NewReader(header[:])); err == nil {
		t.Error("readFrame accepted a length above the limit")
	}
}

func TestReadFrame_RejectsInvalidFrames(t *testing.T) {
	cases := map[string]frame{
		"unknown kind":   {Kind: 9, Topic: "topic"},
		"missing topic":  {Kind: frameData, Data: []byte("x")},
		"join with data": {Kind: frameJoin, Topic: "topic", Data: []byte("x")},
	}
	for name, invalid := range cases {
		t.Run(name, func(t *testing.T) {
			body, err := codec.Marshal(invalid)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}
			encoded := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
			binary.BigEndian.PutUint32(encoded[0:4], uint32(frameHeaderSize-4+len(body)))
			binary.BigEndian.PutUint32(encoded[5:9], uint32(len(body)))
			encoded = append(encoded, body...)
			if _, err := readFrame(bytes.NewReader(encoded)); err == nil {
				t.Errorf("readFrame accepted %s", name)
			}
		})
	}
}
