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

// Package wire implements the external wire protocol from spec.md §6: a
// length-prefixed array of bulk strings for requests, and replies that are
// one of simple string, integer, bulk string (or nil), array, or error.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
)

// ReplyKind identifies which of the five reply shapes was decoded.
type ReplyKind uint8

const (
	KindSimpleString ReplyKind = iota
	KindInteger
	KindBulkString
	KindArray
	KindError
)

// Reply is a single decoded server reply. Multi-frame decoders (e.g. a
// hash-scan) consume a known number of Array elements, per spec.md §4.3.
type Reply struct {
	Kind  ReplyKind
	Str   string  // KindSimpleString, KindError
	Int   int64   // KindInteger
	Bulk  []byte  // KindBulkString; nil Bulk with IsNil=true means a nil bulk reply
	IsNil bool    // true for a nil bulk or nil array reply
	Array []Reply // KindArray
}

// IsError reports whether this reply is a server-error reply (spec.md §7
// CodeServerError candidate — classification happens one layer up, in
// command.Executor, which has the retry/redirect context this package does
// not).
func (r Reply) IsError() bool { return r.Kind == KindError }

// EncodeCommand writes a command as a RESP-style array of bulk strings:
// *<n>\r\n$<len>\r\n<arg>\r\n...
func EncodeCommand(w *bufio.Writer, args ...[]byte) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n", len(a)); err != nil {
			return err
		}
		if _, err := w.Write(a); err != nil {
			return err
		}
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}
	return nil
}

var crlf = []byte("\r\n")

// ErrProtocol is returned for malformed frames; the caller classifies it as
// connection-fatal per spec.md §7.
var ErrProtocol = errors.New("wire: protocol error")

// DecodeReply reads one reply (recursively, for arrays) from r.
func DecodeReply(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}
	if len(line) == 0 {
		return Reply{}, ErrProtocol
	}

	prefix, payload := line[0], line[1:]
	switch prefix {
	case '+':
		return Reply{Kind: KindSimpleString, Str: string(payload)}, nil
	case '-':
		return Reply{Kind: KindError, Str: string(payload)}, nil
	case ':':
		n, err := strconv.ParseInt(string(payload), 10, 64)
		if err != nil {
			return Reply{}, ErrProtocol
		}
		return Reply{Kind: KindInteger, Int: n}, nil
	case '$':
		n, err := strconv.Atoi(string(payload))
		if err != nil {
			return Reply{}, ErrProtocol
		}
		if n < 0 {
			return Reply{Kind: KindBulkString, IsNil: true}, nil
		}
		buf := make([]byte, n+2)
		if _, err := readFull(r, buf); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindBulkString, Bulk: buf[:n]}, nil
	case '*':
		n, err := strconv.Atoi(string(payload))
		if err != nil {
			return Reply{}, ErrProtocol
		}
		if n < 0 {
			return Reply{Kind: KindArray, IsNil: true}, nil
		}
		arr := make([]Reply, n)
		for i := 0; i < n; i++ {
			el, err := DecodeReply(r)
			if err != nil {
				return Reply{}, err
			}
			arr[i] = el
		}
		return Reply{Kind: KindArray, Array: arr}, nil
	default:
		return Reply{}, ErrProtocol
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	n := len(line)
	if n < 2 || line[n-2] != '\r' {
		return nil, ErrProtocol
	}
	out := make([]byte, n-2)
	copy(out, line[:n-2])
	return out, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
