// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/codec"
)

// Intent tags a message body.
type Intent string

const (
	IntentHave   Intent = "have"
	IntentWant   Intent = "want"
	IntentGive   Intent = "give"
	IntentRecord Intent = "record"
)

// Message is one of *Have, *Want, *Give or *Record.
type Message interface {
	Intent() Intent
	validate() error
}

// Have advertises every link id a store holds, mapped to its deleted
// flag.
type Have struct {
	Links map[string]bool `cbor:"links"`
}

// Want requests the listed ids. The flag is the state the requester
// advertised seeing, so the responder can skip ids it holds only in a
// weaker state.
type Want struct {
	Links map[string]bool `cbor:"links"`
}

// Give carries one signed link capability. Target is present exactly
// when the capability creates a live link.
type Give struct {
	Signature actor.Signed `cbor:"signature"`
	Target    any          `cbor:"target,omitempty"`
}

// Record carries one signed record envelope.
type Record struct {
	Envelope actor.Signed `cbor:"envelope"`
}

func (*Have) Intent() Intent   { return IntentHave }
func (*Want) Intent() Intent   { return IntentWant }
func (*Give) Intent() Intent   { return IntentGive }
func (*Record) Intent() Intent { return IntentRecord }

func (m *Have) validate() error { return validateIDs(m.Links) }
func (m *Want) validate() error { return validateIDs(m.Links) }
func (m *Give) validate() error { return validateSigned(&m.Signature) }

func (m *Record) validate() error { return validateSigned(&m.Envelope) }

// frame is the outer wire shape. Body stays raw until the intent is
// known.
type frame struct {
	Intent Intent           `cbor:"intent"`
	Body   codec.RawMessage `cbor:"body"`
}

// Encode serializes a message into its wire frame.
func Encode(message Message) ([]byte, error) {
	if err := message.validate(); err != nil {
		return nil, err
	}
	body, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s body: %w", message.Intent(), err)
	}
	return codec.Marshal(frame{Intent: message.Intent(), Body: body})
}

// Decode parses and validates a wire frame. Every failure wraps
// ErrSchema.
func Decode(data []byte) (Message, error) {
	var outer frame
	if err := codec.UnmarshalStrict(data, &outer); err != nil {
		return nil, fmt.Errorf("%w: frame: %v", ErrSchema, err)
	}
	if len(outer.Body) == 0 {
		return nil, fmt.Errorf("%w: frame has no body", ErrSchema)
	}

	var message Message
	switch outer.Intent {
	case IntentHave:
		message = &Have{}
	case IntentWant:
		message = &Want{}
	case IntentGive:
		message = &Give{}
	case IntentRecord:
		message = &Record{}
	default:
		return nil, fmt.Errorf("%w: unknown intent %q", ErrSchema, outer.Intent)
	}
	if err := codec.UnmarshalStrict(outer.Body, message); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrSchema, outer.Intent, err)
	}
	if err := message.validate(); err != nil {
		return nil, err
	}
	return message, nil
}

// ValidID reports whether id has the form of a link id: 64 lower-case
// hex digits.
func ValidID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func validateIDs(links map[string]bool) error {
	if links == nil {
		return fmt.Errorf("%w: links is missing", ErrSchema)
	}
	for id := range links {
		if !ValidID(id) {
			return fmt.Errorf("%w: malformed link id %q", ErrSchema, id)
		}
	}
	return nil
}

func validateSigned(signed *actor.Signed) error {
	if err := signed.Actor.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if len(signed.Payload) == 0 {
		return fmt.Errorf("%w: empty signed payload", ErrSchema)
	}
	if len(signed.Signature) == 0 {
		return fmt.Errorf("%w: empty signature", ErrSchema)
	}
	return nil
}
