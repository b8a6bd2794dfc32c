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

package conn

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	goatomic "github.com/nabbar/goredisson/atomic"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/wire"
)

// State is a Connection's lifecycle stage (spec.md §3: connecting → ready →
// (draining) → closed).
type State uint8

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateClosed
)

// Result is what a submitted Request resolves to.
type Result struct {
	Reply wire.Reply
	Err   liberr.Error
}

// Request is one in-flight descriptor: the raw command arguments and the
// channel its Result is delivered on. One Connection processes requests
// strictly in send order; replies are matched FIFO to requests (spec.md §3).
type Request struct {
	Args []([]byte)
	Done chan Result
}

// Connection owns a duplex byte stream to one Endpoint plus a FIFO of
// in-flight Requests (spec.md §3).
type Connection struct {
	ep  Endpoint
	log logger.Logger

	nc net.Conn
	bw *bufio.Writer
	br *bufio.Reader

	state atomic.Uint32

	mu       sync.Mutex
	inflight []*Request

	push goatomic.Value[func(wire.Reply)]

	closeOnce sync.Once
	closed    chan struct{}
}

// SetPushHandler installs fn to receive every reply frame this Connection
// decodes that does not match a pending Request (e.g. a pub/sub message
// pushed on a subscribe connection). Replacing the handler is safe at any
// time; a nil fn reverts to silently dropping unsolicited frames.
func (c *Connection) SetPushHandler(fn func(wire.Reply)) {
	if fn == nil {
		c.push.Store(func(wire.Reply) {})
		return
	}
	c.push.Store(fn)
}

func (c *Connection) pushHandler() func(wire.Reply) {
	return c.push.Load()
}

// Dial opens a fresh socket to ep (spec.md §4.1: "each attempt creates a
// fresh socket") and starts the reader loop. connectTimeout bounds the dial.
func Dial(ep Endpoint, connectTimeout time.Duration, log logger.Logger) (*Connection, error) {
	if log == nil {
		log = logger.Discard()
	}

	d := net.Dialer{Timeout: connectTimeout}

	var (
		nc  net.Conn
		err error
	)

	if ep.TLS != nil {
		nc, err = tlsDial(d, ep)
	} else {
		nc, err = d.Dial("tcp", ep.Address())
	}
	if err != nil {
		return nil, err
	}

	return NewFromSocket(nc, ep, log), nil
}

// Send appends req to the in-flight FIFO and flushes it to the socket. It
// never blocks on the reply; the caller reads req.Done.
func (c *Connection) Send(req *Request) liberr.Error {
	if c.State() != StateReady {
		return liberr.New(liberr.CodeConnectionFatal, "connection is not ready")
	}

	c.mu.Lock()
	c.inflight = append(c.inflight, req)
	c.mu.Unlock()

	if err := wire.EncodeCommand(c.bw, req.Args...); err != nil {
		c.fatal(err)
		return liberr.WrapConnection(err)
	}
	if err := c.bw.Flush(); err != nil {
		c.fatal(err)
		return liberr.WrapConnection(err)
	}

	return nil
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Endpoint returns the remote address this Connection is bound to.
func (c *Connection) Endpoint() Endpoint { return c.ep }

func (c *Connection) readLoop() {
	for {
		reply, err := wire.DecodeReply(c.br)
		if err != nil {
			c.fatal(err)
			return
		}

		req := c.popInflight()
		if req == nil {
			if h := c.pushHandler(); h != nil {
				h(reply)
			}
			continue
		}

		if reply.IsError() {
			req.Done <- Result{Reply: reply, Err: liberr.New(liberr.CodeServerError, reply.Str)}
		} else {
			req.Done <- Result{Reply: reply}
		}
	}
}

func (c *Connection) popInflight() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inflight) == 0 {
		return nil
	}
	req := c.inflight[0]
	c.inflight = c.inflight[1:]
	return req
}

// fatal tears the connection down and fails every in-flight request with a
// connection error, per spec.md §3 "On close, all in-flight descriptors fail
// with a connection error."
func (c *Connection) fatal(cause error) {
	c.state.Store(uint32(StateClosed))

	c.mu.Lock()
	pending := c.inflight
	c.inflight = nil
	c.mu.Unlock()

	e := liberr.WrapConnection(cause)
	for _, req := range pending {
		req.Done <- Result{Err: e}
	}

	c.closeOnce.Do(func() {
		_ = c.nc.Close()
		close(c.closed)
	})

	c.log.Warning("connection closed: %v", nil, cause)
}

// Close drains in-flight requests with a connection error and closes the
// socket, without waiting for any reply already in flight on the wire.
func (c *Connection) Close() {
	c.fatal(errConnectionClosed)
}

// NewFromSocket wraps an already-established net.Conn (used by tests, and by
// Dial itself) as a ready Connection.
func NewFromSocket(nc net.Conn, ep Endpoint, log logger.Logger) *Connection {
	if log == nil {
		log = logger.Discard()
	}

	c := &Connection{
		ep:     ep,
		log:    log.WithFields(logger.Fields{"endpoint": ep.Address()}),
		nc:     nc,
		bw:     bufio.NewWriter(nc),
		br:     bufio.NewReader(nc),
		push:   goatomic.NewValue[func(wire.Reply)](),
		closed: make(chan struct{}),
	}
	c.state.Store(uint32(StateReady))

	go c.readLoop()

	return c
}

// Idle reports whether the connection has no in-flight requests, for
// the idle watcher to safely reap (spec.md §4.1).
func (c *Connection) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) == 0
}
