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

// Package errors implements the taxonomy of spec.md §7: every error raised by
// this module carries a Code from this list plus an optional parent chain, so
// callers can classify without string-matching messages.
package errors

// Code classifies an error the way the command executor needs to react to it:
// retry, redirect, surface verbatim, or log-and-continue.
type Code int

const (
	UNK_ERROR Code = iota

	// CodeConnectionFatal: socket error, timeout without reply, shutdown in
	// progress. The connection is discarded; the command is retried if
	// attempts remain.
	CodeConnectionFatal

	// CodeProtocolRedirect: MOVED/ASK server reply. The command is retried on
	// the indicated endpoint.
	CodeProtocolRedirect

	// CodeServerError: the command was rejected semantically (wrong type,
	// script error, auth failure). Surfaced to the caller, never retried.
	CodeServerError

	// CodeTimeoutExceeded: the caller's waitMs budget was exhausted across
	// retries.
	CodeTimeoutExceeded

	// CodeNotAvailable: no shard-entry exists for the requested slot, even
	// after retries.
	CodeNotAvailable

	// CodeRejected: an executor or transactional submission was refused
	// because the owning service has already shut down.
	CodeRejected

	// CodeTransactionTimeout: a transaction's deadline was missed; this
	// triggers rollback.
	CodeTransactionTimeout
)

func (c Code) String() string {
	switch c {
	case CodeConnectionFatal:
		return "connection-fatal"
	case CodeProtocolRedirect:
		return "protocol-redirect"
	case CodeServerError:
		return "server-error"
	case CodeTimeoutExceeded:
		return "timeout-exceeded"
	case CodeNotAvailable:
		return "not-available"
	case CodeRejected:
		return "rejected"
	case CodeTransactionTimeout:
		return "transaction-timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether the command executor may re-attempt a command
// that failed with this code, per spec.md §7 Propagation.
func (c Code) Retryable() bool {
	switch c {
	case CodeConnectionFatal, CodeProtocolRedirect:
		return true
	default:
		return false
	}
}
