// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/tessera/lib/secret"
)

// Version is the first byte of every sealed blob. It is authenticated,
// so rewriting it fails Open.
const Version byte = 0x01

// Overhead is the size of a sealed blob minus its compressed plaintext.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// MaxPlaintext bounds the decompressed size Open will produce.
const MaxPlaintext = 16 << 20

// hkdfInfo separates this derivation from any other use of the same
// secret string. Changing it invalidates every sealed blob.
var hkdfInfo = []byte("tessera.sealed.v1")

// ErrOpen is returned for any blob that does not open under the given
// secret: wrong secret, truncation, tampering or an unknown version.
var ErrOpen = errors.New("sealed: cannot open blob")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("sealed: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxPlaintext),
	)
	if err != nil {
		panic("sealed: zstd decoder initialization failed: " + err.Error())
	}
}

// Seal encrypts plaintext so that only holders of secretKey can read it.
// Sealing the same plaintext twice yields different blobs.
func Seal(plaintext []byte, secretKey string) ([]byte, error) {
	key, err := deriveKey(secretKey)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating cipher: %w", err)
	}

	compressed := zstdEncoder.EncodeAll(plaintext, nil)

	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, Overhead+len(compressed))
	blob[0] = Version
	nonce := blob[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealed: generating nonce: %w", err)
	}
	return aead.Seal(blob, nonce, compressed, blob[:1]), nil
}

// Open reverses Seal. Every failure wraps ErrOpen.
func Open(blob []byte, secretKey string) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte minimum", ErrOpen, len(blob), Overhead)
	}
	if blob[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrOpen, blob[0])
	}

	key, err := deriveKey(secretKey)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	compressed, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrOpen)
	}

	plaintext, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %v", ErrOpen, err)
	}
	return plaintext, nil
}

func deriveKey(secretKey string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(secretKey), nil, hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("sealed: HKDF key derivation failed: %w", err)
	}
	return key, nil
}
