// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/tessera/lib/codec"
)

// maxFrameSize bounds both the encoded and decoded size of one frame.
const maxFrameSize = 16 << 20

// frameHeaderSize is the length prefix (4 bytes), the compression tag
// (1 byte) and the uncompressed body size (4 bytes).
const frameHeaderSize = 9

type frameKind uint8

const (
	// frameJoin announces that the sender joined Topic.
	frameJoin frameKind = 1

	// frameLeave announces that the sender left Topic.
	frameLeave frameKind = 2

	// frameData carries Data for the sender's handler on Topic.
	frameData frameKind = 3
)

// frame is the unit of mesh traffic. On the wire it is a 4-byte
// big-endian length, a compression tag, the 4-byte uncompressed size
// and the (possibly compressed) CBOR body.
type frame struct {
	Kind  frameKind `cbor:"kind"`
	Topic string    `cbor:"topic"`
	Data  []byte    `cbor:"data,omitempty"`
}

func (f frame) validate() error {
	switch f.Kind {
	case frameJoin, frameLeave:
		if len(f.Data) != 0 {
			return fmt.Errorf("kind %d frame carries data", f.Kind)
		}
	case frameData:
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	if f.Topic == "" {
		return fmt.Errorf("kind %d frame without topic", f.Kind)
	}
	return nil
}

// encodeFrame returns the wire form of f.
func encodeFrame(f frame, compression Compression) ([]byte, error) {
	body, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return nil, fmt.Errorf("frame is %d bytes, limit %d", len(body), maxFrameSize)
	}
	tag, payload, err := compressFrame(body, compression)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(encoded[0:4], uint32(frameHeaderSize-4+len(payload)))
	encoded[4] = byte(tag)
	binary.BigEndian.PutUint32(encoded[5:9], uint32(len(body)))
	return append(encoded, payload...), nil
}

// readFrame reads and validates one frame from r.
func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length < frameHeaderSize-4 || length > maxFrameSize {
		return frame{}, fmt.Errorf("frame length %d out of range", length)
	}
	size := binary.BigEndian.Uint32(header[5:9])
	if size > maxFrameSize {
		return frame{}, fmt.Errorf("frame body size %d exceeds limit %d", size, maxFrameSize)
	}
	payload := make([]byte, length-(frameHeaderSize-4))
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, fmt.Errorf("reading frame body: %w", err)
	}
	body, err := decompressFrame(Compression(header[4]), payload, int(size))
	if err != nil {
		return frame{}, err
	}
	var decoded frame
	if err := codec.Unmarshal(body, &decoded); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if err := decoded.validate(); err != nil {
		return frame{}, err
	}
	return decoded, nil
}
