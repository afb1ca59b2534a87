// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to a mesh frame body.
// Values travel in frame headers (1 byte each); changing them breaks
// compatibility between nodes.
type Compression uint8

const (
	// CompressionNone sends frame bodies as-is.
	CompressionNone Compression = 0

	// CompressionLZ4 applies LZ4 block compression. Cheap enough for
	// every frame.
	CompressionLZ4 Compression = 1

	// CompressionZstd applies zstd at the default level. Better ratios
	// on CBOR-heavy announcements at higher CPU cost.
	CompressionZstd Compression = 2
)

// minCompressSize is the smallest body worth compressing. Control
// frames and short gives stay uncompressed.
const minCompressSize = 256

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name as written in config.
// The empty string selects CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown frame compression %q", name)
	}
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// compressFrame compresses body with the preferred algorithm. Bodies
// that are short or do not shrink are returned as-is tagged
// CompressionNone.
func compressFrame(body []byte, preferred Compression) (Compression, []byte, error) {
	if preferred == CompressionNone || len(body) < minCompressSize {
		return CompressionNone, body, nil
	}
	var compressed []byte
	var err error
	switch preferred {
	case CompressionLZ4:
		compressed, err = compressLZ4(body)
	case CompressionZstd:
		compressed, err = compressZstd(body)
	default:
		return 0, nil, fmt.Errorf("unsupported compression %s", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return CompressionNone, body, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return preferred, compressed, nil
}

// decompressFrame reverses compressFrame. size is the uncompressed
// length announced in the frame header and must match exactly.
func decompressFrame(tag Compression, body []byte, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("uncompressed frame: size %d does not match header %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
