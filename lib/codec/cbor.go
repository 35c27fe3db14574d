// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the engine's standard CBOR encoding.
//
// Sealed session-log segments and persisted workspace snapshots are
// CBOR rather than JSON: deterministic byte output (required for
// content hashing), compact integers, and raw binary without base64.
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so the
// same logical value always produces identical bytes.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Tool-call payloads decode into any-typed targets. The CBOR
		// default map type for those is map[interface{}]interface{},
		// which nothing downstream (encoding/json included) accepts.
		// Force map[string]any; struct field decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
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

// RawMessage is a raw encoded CBOR value, usable to delay decoding or
// to splice pre-encoded output. Alias so consumers import only this
// package, not fxamacker/cbor.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR stream encoder writing to w with the
// engine's deterministic encoding configuration.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR stream decoder reading from r with the
// engine's decoding configuration.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
