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

// Package conn implements C1 (spec.md §4.1): a single long-lived duplex
// connection to one Endpoint, with a FIFO of in-flight request descriptors.
package conn

import (
	"crypto/tls"
	"fmt"
)

// Endpoint is (host, port, tls-flag, optional credentials). Immutable, owned
// by the topology manager (spec.md §3).
type Endpoint struct {
	Host     string
	Port     int
	TLS      *tls.Config
	Username string
	Password string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// WithAuth returns a copy of e with its credentials replaced by username
// and password.
func (e Endpoint) WithAuth(username, password string) Endpoint {
	e.Username = username
	e.Password = password
	return e
}

// NATMapper rewrites an Endpoint discovered from a server's own view of
// itself (cluster-nodes / sentinel replies) into the address the client
// should actually dial, per spec.md §4.2 "Every partition endpoint is passed
// through a configurable NAT-mapper before use."
type NATMapper func(Endpoint) Endpoint

// IdentityNATMapper performs no rewrite.
func IdentityNATMapper(e Endpoint) Endpoint { return e }
