// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/codec"
	"github.com/bureau-foundation/tessera/lib/digest"
	"github.com/bureau-foundation/tessera/lib/protocol"
	"github.com/bureau-foundation/tessera/lib/sealed"
)

// Envelope is the signed, replicated unit: an actor, the CBOR encoding
// of an Unsigned payload, and the actor's signature over it.
type Envelope = actor.Signed

// Unsigned is the payload an actor signs for a record.
type Unsigned struct {
	Updated           int64             `cbor:"updated"`
	PathHash          string            `cbor:"pathHash"`
	EncryptedValue    []byte            `cbor:"encryptedValue"`
	EncryptedContexts map[string][]byte `cbor:"encryptedContexts"`
}

// unsignedWire mirrors Unsigned with pointer fields so a missing field is
// distinguishable from a zero one.
type unsignedWire struct {
	Updated           *int64            `cbor:"updated"`
	PathHash          *string           `cbor:"pathHash"`
	EncryptedValue    []byte            `cbor:"encryptedValue"`
	EncryptedContexts map[string][]byte `cbor:"encryptedContexts"`
}

// Signed is the result of Sign: the envelope plus the bookkeeping a
// store needs without re-decoding it.
type Signed struct {
	Envelope *Envelope
	Updated  int64
	PathHash string
}

// Options names the secrets a verifier holds. Both are optional.
type Options struct {
	Path          string
	ContextSecret string
}

// Verified is what Verify could establish about an envelope. Path and
// Value are empty unless a secret disclosed them.
type Verified struct {
	Actor    actor.ID
	Updated  int64
	PathHash string
	Path     string
	Value    Value
	Unsigned *Unsigned
}

// Sign builds and signs the envelope for value at path.
func Sign(ctx context.Context, signer actor.Signer, author actor.ID, path string, value Value, updated int64) (*Signed, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", protocol.ErrSchema)
	}
	if updated <= 0 {
		return nil, fmt.Errorf("%w: timestamp %d is not positive", protocol.ErrSchema, updated)
	}
	if value == nil {
		value = Value{}
	}
	contexts, err := Contexts(value)
	if err != nil {
		return nil, err
	}

	plaintext, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding value: %v", protocol.ErrSchema, err)
	}
	encryptedValue, err := sealed.Seal(plaintext, path)
	if err != nil {
		return nil, err
	}

	encryptedContexts := make(map[string][]byte, len(contexts))
	for _, contextSecret := range contexts {
		blob, err := sealed.Seal([]byte(path), contextSecret)
		if err != nil {
			return nil, err
		}
		encryptedContexts[digest.String(contextSecret)] = blob
	}

	unsigned := Unsigned{
		Updated:           updated,
		PathHash:          digest.String(path),
		EncryptedValue:    encryptedValue,
		EncryptedContexts: encryptedContexts,
	}
	payload, err := codec.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding payload: %w", err)
	}

	envelope, err := actor.Sign(ctx, signer, author, payload)
	if err != nil {
		return nil, err
	}
	return &Signed{Envelope: envelope, Updated: updated, PathHash: unsigned.PathHash}, nil
}

// Verify checks envelope and discloses what options allow. Failures wrap
// protocol.ErrActorVerification, protocol.ErrSchema or
// protocol.ErrIntegrity.
func Verify(verifier actor.Verifier, envelope *Envelope, options Options) (*Verified, error) {
	if err := envelope.Verify(verifier); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrActorVerification, err)
	}

	unsigned, err := decodeUnsigned(envelope.Payload)
	if err != nil {
		return nil, err
	}
	verified := &Verified{
		Actor:    envelope.Actor,
		Updated:  unsigned.Updated,
		PathHash: unsigned.PathHash,
		Unsigned: unsigned,
	}

	path := options.Path
	if path == "" && options.ContextSecret != "" {
		if blob, ok := unsigned.EncryptedContexts[digest.String(options.ContextSecret)]; ok {
			recovered, err := sealed.Open(blob, options.ContextSecret)
			if err != nil {
				return nil, fmt.Errorf("%w: context entry does not open: %v", protocol.ErrIntegrity, err)
			}
			path = string(recovered)
		}
	}
	if path == "" {
		return verified, nil
	}

	if digest.String(path) != unsigned.PathHash {
		return nil, fmt.Errorf("%w: pathHash does not match path", protocol.ErrIntegrity)
	}
	plaintext, err := sealed.Open(unsigned.EncryptedValue, path)
	if err != nil {
		return nil, fmt.Errorf("%w: value does not open: %v", protocol.ErrIntegrity, err)
	}
	value, err := decodeValue(plaintext)
	if err != nil {
		return nil, err
	}
	contexts, err := Contexts(value)
	if err != nil {
		return nil, err
	}
	for _, contextSecret := range contexts {
		blob, ok := unsigned.EncryptedContexts[digest.String(contextSecret)]
		if !ok {
			return nil, fmt.Errorf("%w: declared context has no encrypted entry", protocol.ErrIntegrity)
		}
		recovered, err := sealed.Open(blob, contextSecret)
		if err != nil || string(recovered) != path {
			return nil, fmt.Errorf("%w: declared context entry does not recover the path", protocol.ErrIntegrity)
		}
	}

	verified.Path = path
	verified.Value = value
	return verified, nil
}

// Decode returns the unsigned payload of envelope without checking its
// signature. Use it only on envelopes that were verified before.
func Decode(envelope *Envelope) (*Unsigned, error) {
	return decodeUnsigned(envelope.Payload)
}

func decodeUnsigned(payload []byte) (*Unsigned, error) {
	var wire unsignedWire
	if err := codec.UnmarshalStrict(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", protocol.ErrSchema, err)
	}
	var missing error
	if wire.Updated == nil {
		missing = errors.Join(missing, errors.New("updated"))
	}
	if wire.PathHash == nil {
		missing = errors.Join(missing, errors.New("pathHash"))
	}
	if wire.EncryptedValue == nil {
		missing = errors.Join(missing, errors.New("encryptedValue"))
	}
	if wire.EncryptedContexts == nil {
		missing = errors.Join(missing, errors.New("encryptedContexts"))
	}
	if missing != nil {
		return nil, fmt.Errorf("%w: payload is missing fields: %v", protocol.ErrSchema, missing)
	}
	if *wire.Updated <= 0 {
		return nil, fmt.Errorf("%w: timestamp %d is not positive", protocol.ErrSchema, *wire.Updated)
	}
	return &Unsigned{
		Updated:           *wire.Updated,
		PathHash:          *wire.PathHash,
		EncryptedValue:    wire.EncryptedValue,
		EncryptedContexts: wire.EncryptedContexts,
	}, nil
}

func decodeValue(plaintext []byte) (Value, error) {
	var raw any
	if err := codec.UnmarshalStrict(plaintext, &raw); err != nil {
		return nil, fmt.Errorf("%w: value: %v", protocol.ErrSchema, err)
	}
	document, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: value is %T, want map", protocol.ErrSchema, raw)
	}
	return Value(document), nil
}
