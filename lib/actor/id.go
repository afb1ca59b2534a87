// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const idPrefix = "actor:"

// ErrInvalidID is returned for strings that do not encode an Ed25519
// public key in actor id form.
var ErrInvalidID = errors.New("actor: invalid actor id")

// ID identifies an actor. The zero value is not a valid id.
type ID string

// IDFromPublicKey returns the actor id for publicKey.
func IDFromPublicKey(publicKey ed25519.PublicKey) ID {
	return ID(idPrefix + base64.RawURLEncoding.EncodeToString(publicKey))
}

// PublicKey decodes the Ed25519 public key embedded in the id.
func (id ID) PublicKey() (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(string(id), idPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q lacks the %q prefix", ErrInvalidID, id, idPrefix)
	}
	key, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidID, len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// Validate reports whether id is well formed.
func (id ID) Validate() error {
	_, err := id.PublicKey()
	return err
}

func (id ID) String() string {
	return string(id)
}
