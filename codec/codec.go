/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package codec implements the "value codec" named in spec.md §3 (Request
// descriptor) and §4.3 (Decoder contract): pure, I/O-free functions turning
// Go values into command argument bytes and back.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes application values into the byte arguments sent on the wire
// and decodes them back. Implementations must not perform I/O (spec.md §4.3).
type Codec interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(b []byte, out interface{}) error
}

// Raw passes byte slices and strings through unchanged; it is the default
// codec for keys and channel names, which are never serialized.
var Raw Codec = rawCodec{}

type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Encode(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("codec: raw codec cannot encode %T", v)
	}
}

func (rawCodec) Decode(b []byte, out interface{}) error {
	switch p := out.(type) {
	case *[]byte:
		*p = b
		return nil
	case *string:
		*p = string(b)
		return nil
	default:
		return fmt.Errorf("codec: raw codec cannot decode into %T", out)
	}
}

// CBOR is the default codec for map-cache values (script.NewMapCache falls
// back to it when given a nil codec): compact, self-describing, and able to
// round-trip arbitrary struct values without a schema, unlike the raw codec.
var CBOR Codec = cborCodec{}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Encode(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Decode(b []byte, out interface{}) error {
	return cbor.Unmarshal(b, out)
}
