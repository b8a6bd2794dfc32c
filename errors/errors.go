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

package errors

import (
	"encoding/json"
	"fmt"
)

// Error is the type every package in this module returns instead of a bare
// error, so the command executor can classify a failure without parsing its
// message (spec.md §7).
type Error interface {
	error

	// Code returns the taxonomy code this error was raised with.
	Code() Code

	// AddParent wraps the error with a lower-level cause, building a chain
	// the way a connection-fatal error wraps the socket error that caused it.
	AddParent(err error) Error

	// Is reports whether this error, or any parent in its chain, has the
	// given code.
	Is(code Code) bool

	// JSON renders the error and its parent chain for logging/diagnostics.
	JSON() []byte
}

type errImpl struct {
	code    Code
	message string
	file    string
	line    int
	parents []Error
}

// New creates an Error with the given code and message, capturing the
// caller's file/line the way the teacher's trace package does.
func New(code Code, message string) Error {
	file, line := frame(1)
	return &errImpl{code: code, message: message, file: file, line: line}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...interface{}) Error {
	file, line := frame(1)
	return &errImpl{code: code, message: fmt.Sprintf(format, args...), file: file, line: line}
}

func (e *errImpl) Error() string {
	if len(e.parents) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.parents[len(e.parents)-1].Error())
}

func (e *errImpl) Code() Code {
	return e.code
}

func (e *errImpl) AddParent(err error) Error {
	if err == nil {
		return e
	}

	if len(e.parents) < 1 {
		e.parents = make([]Error, 0, 1)
	}

	if p, ok := err.(Error); ok {
		e.parents = append(e.parents, p)
	} else {
		file, line := frame(1)
		e.parents = append(e.parents, &errImpl{code: UNK_ERROR, message: err.Error(), file: file, line: line})
	}

	return e
}

func (e *errImpl) Is(code Code) bool {
	if e.code == code {
		return true
	}
	for _, p := range e.parents {
		if p.Is(code) {
			return true
		}
	}
	return false
}

type jsonError struct {
	Code    string      `json:"code"`
	Message string      `json:"msg"`
	File    string      `json:"file"`
	Line    int         `json:"line"`
	Parents []jsonError `json:"parents,omitempty"`
}

func (e *errImpl) toJSON() jsonError {
	j := jsonError{Code: e.code.String(), Message: e.message, File: e.file, Line: e.line}
	for _, p := range e.parents {
		if pi, ok := p.(*errImpl); ok {
			j.Parents = append(j.Parents, pi.toJSON())
		}
	}
	return j
}

func (e *errImpl) JSON() []byte {
	b, err := json.Marshal(e.toJSON())
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// WrapConnection is a convenience constructor for the single most common
// error this module raises: a socket-level failure on a Connection.
func WrapConnection(err error) Error {
	return New(CodeConnectionFatal, "connection error").AddParent(err)
}
