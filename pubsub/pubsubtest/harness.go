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

// Package pubsubtest embeds a real NATS broker to exercise pub/sub-shaped
// fan-out and reconnection scenarios in tests, without requiring a live
// network service. It is test-only tooling, never linked into production
// code paths — the wire protocol pub/sub itself is implemented in the
// pubsub package on top of conn.Connection.
package pubsubtest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Broker is an embedded, in-process NATS server plus a ready client
// connection, used the same way the teacher's nats client wraps
// nats.Connect with reconnect options.
type Broker struct {
	Srv  *server.Server
	Conn *nats.Conn
}

// Start launches an embedded NATS server bound to a loopback port and
// connects a client to it. The server and the connection are both closed
// via t.Cleanup.
func Start(t *testing.T) *Broker {
	t.Helper()

	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           -1, // OS-assigned
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("pubsubtest: new server: %v", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("pubsubtest: server not ready")
	}

	nc, err := nats.Connect(srv.ClientURL(),
		nats.MaxReconnects(5),
		nats.ReconnectWait(20*time.Millisecond),
	)
	if err != nil {
		srv.Shutdown()
		t.Fatalf("pubsubtest: connect: %v", err)
	}

	b := &Broker{Srv: srv, Conn: nc}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return b
}

// RestartDropsConnection forcibly disconnects every client, simulating the
// connection loss a pub/sub reconnection-replay test needs to trigger.
func (b *Broker) RestartDropsConnection() {
	b.Srv.Shutdown()
}
