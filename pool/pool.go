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

// Package pool implements C2 (spec.md §4.1): a bounded pool of Connections
// for one (Endpoint, Role) pair, with an idle reaper and borrow/return
// fairness backed by a weighted semaphore — the same dependency
// (golang.org/x/sync/semaphore) the teacher's semaphore/sem package wraps.
// Options.MinIdle is not acted on: nothing refills the idle set in the
// background.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nabbar/goredisson/conn"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
)

// Role is which of the three connection roles a Pool serves (spec.md §3).
type Role uint8

const (
	RoleWrite Role = iota
	RoleRead
	RoleSubscribe
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleSubscribe:
		return "subscribe"
	default:
		return "write"
	}
}

// Options configures a Pool, mirroring the `connection:` keys in spec.md §6.
type Options struct {
	MaxActive              int
	MinIdle                int
	ConnectTimeout         time.Duration
	IdleConnectionTimeout  time.Duration
	SubscriptionsPerConn   int
	DialAttempts           int
}

func (o Options) withDefaults() Options {
	if o.MaxActive <= 0 {
		o.MaxActive = 64
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.IdleConnectionTimeout <= 0 {
		o.IdleConnectionTimeout = 10 * time.Minute
	}
	if o.SubscriptionsPerConn <= 0 {
		o.SubscriptionsPerConn = 5
	}
	if o.DialAttempts <= 0 {
		o.DialAttempts = 3
	}
	return o
}

// Pool lends out at most MaxActive Connections at a time for one
// (Endpoint, Role) pair. Returned connections wait in an idle set that has
// no cap of its own; there is no MaxIdle option.
type Pool struct {
	ep   conn.Endpoint
	role Role
	opt  Options
	log  logger.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	idle    []*conn.Connection
	lastUse map[*conn.Connection]time.Time

	active int64

	stopReaper chan struct{}
}

// New creates a Pool and starts its background idle reaper.
func New(ep conn.Endpoint, role Role, opt Options, log logger.Logger) *Pool {
	opt = opt.withDefaults()
	if log == nil {
		log = logger.Discard()
	}

	p := &Pool{
		ep:         ep,
		role:       role,
		opt:        opt,
		log:        log,
		sem:        semaphore.NewWeighted(int64(opt.MaxActive)),
		lastUse:    make(map[*conn.Connection]time.Time),
		stopReaper: make(chan struct{}),
	}

	go p.reapLoop()

	return p
}

// Acquire suspends until a Connection is available or ctx is done (spec.md
// §4.1 "acquire(role) suspends until a Connection is available or the
// deadline fires").
func (p *Pool) Acquire(ctx context.Context) (*conn.Connection, liberr.Error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, liberr.New(liberr.CodeTimeoutExceeded, "pool: acquire timed out").AddParent(err)
	}

	if c := p.popIdle(); c != nil && c.State() == conn.StateReady {
		atomic.AddInt64(&p.active, 1)
		return c, nil
	}

	c, err := conn.Dial(p.ep, p.opt.ConnectTimeout, p.log)
	if err != nil {
		p.sem.Release(1)
		return nil, liberr.WrapConnection(err)
	}
	atomic.AddInt64(&p.active, 1)
	return c, nil
}

// Release returns c to the idle set, or discards it (and its semaphore
// slot) on a fatal error.
func (p *Pool) Release(c *conn.Connection) {
	defer p.sem.Release(1)
	defer atomic.AddInt64(&p.active, -1)

	if c.State() != conn.StateReady {
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.lastUse[c] = time.Now()
	p.mu.Unlock()
}

// Discard drops c without returning it to the idle set; used when the
// caller observed a connection-fatal error (spec.md §4.3 step 6).
func (p *Pool) Discard(c *conn.Connection) {
	c.Close()
	p.sem.Release(1)
	atomic.AddInt64(&p.active, -1)
}

func (p *Pool) popIdle() *conn.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		delete(p.lastUse, c)
		if c.State() == conn.StateReady {
			return c
		}
	}
	return nil
}

// reapLoop closes idle connections older than IdleConnectionTimeout, never
// one with a request in flight (spec.md §4.1).
func (p *Pool) reapLoop() {
	t := time.NewTicker(p.opt.IdleConnectionTimeout / 4)
	defer t.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-t.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	now := time.Now()

	p.mu.Lock()
	kept := p.idle[:0]
	for _, c := range p.idle {
		age := now.Sub(p.lastUse[c])
		if age >= p.opt.IdleConnectionTimeout && c.Idle() {
			delete(p.lastUse, c)
			c.Close()
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.mu.Unlock()
}

// Shutdown closes every idle connection and stops the reaper. In-flight
// connections are left to their callers, per spec.md §5 "closes pools
// (draining in-flight)".
func (p *Pool) Shutdown() {
	close(p.stopReaper)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}

// IdleCount and ActiveCount feed the prometheus metrics in the metrics
// package (spec.md §2 C2 "Share: 8%").
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// ActiveCount returns the number of connections currently on loan to a
// caller (borrowed but not yet Released or Discarded).
func (p *Pool) ActiveCount() int {
	return int(atomic.LoadInt64(&p.active))
}

// Endpoint and Role identify which (endpoint, role) pair this Pool serves,
// for the metrics package's per-pool labels.
func (p *Pool) Endpoint() conn.Endpoint { return p.ep }
func (p *Pool) Role() Role              { return p.role }
