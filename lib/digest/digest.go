// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/bureau-foundation/tessera/lib/codec"
	"github.com/zeebo/blake3"
)

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values
// are the ASCII domain name, zero-padded. Changing a key invalidates
// every id in that domain.
type domainKey [32]byte

var (
	linkDomainKey = domainKey{
		't', 'e', 's', 's', 'e', 'r', 'a', '.', 'l', 'i', 'n', 'k', '.', 'i', 'd', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	topicDomainKey = domainKey{
		't', 'e', 's', 's', 'e', 'r', 'a', '.', 't', 'o', 'p', 'i', 'c', 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// String returns the lower-case hex SHA-256 of the UTF-8 bytes of s.
func String(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Canonical returns the lower-case hex SHA-256 of the deterministic CBOR
// encoding of value.
func Canonical(value any) (string, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("digest: encoding value: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LinkID derives the permanent identifier of a link from the hash of its
// source, the hash of its target, its salt and its creating actor.
// Fields are length-prefixed so no two distinct tuples share an
// encoding.
func LinkID(sourceHash, targetHash, salt, actor string) string {
	return keyedHash(linkDomainKey, sourceHash, targetHash, salt, actor)
}

// Topic derives the transport topic for a store. kind separates store
// types that might share an address ("record", "context", "links").
// The address never appears on the wire, only this hash of it.
func Topic(kind, address string) string {
	return keyedHash(topicDomainKey, kind, address)
}

func keyedHash(key domainKey, fields ...string) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	var prefix [8]byte
	for _, field := range fields {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(field)))
		hasher.Write(prefix[:])
		hasher.Write([]byte(field))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
