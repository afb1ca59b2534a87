// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2).
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown struct fields are ignored.
var decMode cbor.DecMode

// strictMode rejects unknown struct fields and duplicate map keys.
var strictMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Tessera never uses non-string map keys. Any-typed targets (record
	// values, link targets) decode maps as map[string]any so they can be
	// cloned, compared and re-encoded without type assertions on
	// map[any]any.
	base := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = base.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	strict := base
	strict.DupMapKey = cbor.DupMapKeyEnforcedAPF
	strict.ExtraReturnErrors = cbor.ExtraDecErrorUnknownField
	strictMode, err = strict.DecMode()
	if err != nil {
		panic("codec: strict CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalStrict decodes CBOR data into v, failing on unknown struct
// fields, duplicate map keys and trailing bytes.
func UnmarshalStrict(data []byte, v any) error {
	return strictMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value. It delays decoding of a
// message body until its kind is known.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder that writes to w using Core
// Deterministic Encoding.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a strict CBOR decoder that reads from r. Streams
// carry peer input, so they always decode strictly.
func NewDecoder(r io.Reader) *Decoder {
	return strictMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for the
// entire contents of data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
