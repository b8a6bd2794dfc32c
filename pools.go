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

package goredisson

import (
	"context"
	"sync"

	"github.com/nabbar/goredisson/conn"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/metrics"
	"github.com/nabbar/goredisson/pool"
	"github.com/nabbar/goredisson/topology"
)

// poolRegistry lazily creates and multiplexes one pool.Pool per (Endpoint,
// Role) pair, implementing command.PoolSource so the executor stays
// agnostic of how many physical pools back a given Route.
type poolRegistry struct {
	mu      sync.Mutex
	pools   map[string]*pool.Pool
	opt     pool.Options
	log     logger.Logger
	metrics *metrics.Recorder
}

func newPoolRegistry(opt pool.Options, log logger.Logger) *poolRegistry {
	if log == nil {
		log = logger.Discard()
	}
	return &poolRegistry{
		pools: make(map[string]*pool.Pool),
		opt:   opt,
		log:   log,
	}
}

// setMetrics registers every pool already created, and every pool created
// from now on, with rec.
func (r *poolRegistry) setMetrics(rec *metrics.Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = rec
	if rec == nil {
		return
	}
	for label, p := range r.pools {
		rec.RegisterPool(label, p)
	}
}

// roleForRoute maps a topology Route to the connection Role that serves it:
// a write always targets the master's write pool; a replica read uses the
// read pool, which the facade only ever opens against a replica Endpoint.
func roleForRoute(route topology.Route) pool.Role {
	if route == topology.RouteReplica {
		return pool.RoleRead
	}
	return pool.RoleWrite
}

func (r *poolRegistry) poolFor(ep conn.Endpoint, role pool.Role) *pool.Pool {
	key := ep.Address() + ":" + role.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[key]; ok {
		return p
	}

	p := pool.New(ep, role, r.opt, r.log)
	r.pools[key] = p
	if r.metrics != nil {
		r.metrics.RegisterPool(key, p)
	}
	return p
}

// Acquire implements command.PoolSource.
func (r *poolRegistry) Acquire(ctx context.Context, ep conn.Endpoint, route topology.Route) (*conn.Connection, liberr.Error) {
	return r.poolFor(ep, roleForRoute(route)).Acquire(ctx)
}

// Release implements command.PoolSource.
func (r *poolRegistry) Release(ep conn.Endpoint, route topology.Route, c *conn.Connection) {
	r.poolFor(ep, roleForRoute(route)).Release(c)
}

// Discard implements command.PoolSource.
func (r *poolRegistry) Discard(ep conn.Endpoint, route topology.Route, c *conn.Connection) {
	r.poolFor(ep, roleForRoute(route)).Discard(c)
}

// subscribePool returns the dedicated subscribe-role pool for ep, used by
// pubsub.Dialer.
func (r *poolRegistry) subscribeConnection(ctx context.Context, ep conn.Endpoint) (*conn.Connection, liberr.Error) {
	return r.poolFor(ep, pool.RoleSubscribe).Acquire(ctx)
}

func (r *poolRegistry) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.Shutdown()
	}
}
