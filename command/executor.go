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

// Package command implements C4 (spec.md §4.3): the executor that turns a
// Descriptor into a Reply, selecting a shard from topology, borrowing a
// Connection from pool, and applying the retry/timeout/redirect policy.
package command

import (
	"context"
	"time"

	"github.com/nabbar/goredisson/conn"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/metrics"
	"github.com/nabbar/goredisson/topology"
	"github.com/nabbar/goredisson/wire"
)

// Descriptor is one command to execute (spec.md §4.3).
type Descriptor struct {
	Key   string
	Route topology.Route
	Args  [][]byte
}

// PoolSource resolves an Endpoint+Route to a borrow/release pair. The
// command package stays agnostic of whether pools are keyed by role; the
// facade wires pool.Pool.Acquire/Release in here.
type PoolSource interface {
	Acquire(ctx context.Context, ep conn.Endpoint, route topology.Route) (*conn.Connection, liberr.Error)
	Release(ep conn.Endpoint, route topology.Route, c *conn.Connection)
	Discard(ep conn.Endpoint, route topology.Route, c *conn.Connection)
}

// Policy is the retry/timeout policy applied to one Execute call (spec.md
// §4.3: "bounded retry on a redirect or a retryable connection error").
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	return p
}

// Executor ties topology, pool borrowing and the wire protocol together.
type Executor struct {
	mgr     *topology.Manager
	pools   PoolSource
	policy  Policy
	log     logger.Logger
	metrics *metrics.Recorder
}

// New builds an Executor routing through mgr and borrowing connections from
// pools, applying policy to every Execute call.
func New(mgr *topology.Manager, pools PoolSource, policy Policy, log logger.Logger) *Executor {
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{mgr: mgr, pools: pools, policy: policy.withDefaults(), log: log}
}

// SetMetrics wires rec so every Execute call reports retries, redirects
// and latency into it. Optional: a nil Executor.metrics (the default)
// simply skips instrumentation.
func (e *Executor) SetMetrics(rec *metrics.Recorder) { e.metrics = rec }

// Execute runs d to completion, honoring the timeout/retry/redirect policy
// (spec.md §4.3, steps 1-6):
//  1. resolve the target shard from topology
//  2. borrow a connection
//  3. send the command and await the reply
//  4. on MOVED/ASK, update topology (MOVED) or resend once to the ASK
//     target without updating topology, then retry
//  5. on a retryable connection error, discard the connection and retry
//     against a freshly resolved target
//  6. give up after MaxRetries, returning the last error
func (e *Executor) Execute(ctx context.Context, d Descriptor) (wire.Reply, liberr.Error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveExecuteDuration(time.Since(start))
		}
	}()

	var lastErr liberr.Error

	target := d
	askOnce := false
	var askTarget conn.Endpoint

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		ep, ok := e.mgr.EntryForKey(target.Key, target.Route)
		if !ok {
			return wire.Reply{}, liberr.New(liberr.CodeNotAvailable, "command: no route for key")
		}
		if askOnce {
			ep = askTarget
		}

		callCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
		reply, redirect, err := e.once(callCtx, ep, target, askOnce)
		cancel()
		askOnce = false

		if err == nil {
			return reply, nil
		}
		lastErr = err

		if redirect != nil {
			if e.metrics != nil {
				e.metrics.ObserveRedirect()
			}
			if redirect.Ask {
				askOnce = true
				askTarget = redirect.Target
			} else {
				e.mgr.ApplyMoved(redirect.Slot, redirect.Target)
			}
			continue
		}

		if !err.Code().Retryable() {
			return wire.Reply{}, err
		}
		if e.metrics != nil {
			e.metrics.ObserveRetry()
		}
	}

	return wire.Reply{}, lastErr
}

// Resolve exposes the shard-entry a key/route pair would route to, without
// borrowing a connection or sending anything. ExecuteAtomic callers use it
// to group descriptors that share a connection before opening a transaction.
func (e *Executor) Resolve(key string, route topology.Route) (conn.Endpoint, bool) {
	return e.mgr.EntryForKey(key, route)
}

// ExecuteAtomic runs ds as one server-side MULTI/EXEC transaction over a
// single borrowed connection (spec.md §4.5): every descriptor in ds must
// resolve to the same shard-entry, or the caller should split ds into
// per-shard groups and call ExecuteAtomic once per group (see batch.Batch).
//
// Each descriptor is queued and its reply checked for the server's "+QUEUED"
// acknowledgement; the first descriptor that is not queued aborts the whole
// transaction with DISCARD before EXEC is ever sent, so nothing it or any
// earlier descriptor did is observable (spec.md §8 boundary scenario 4: an
// invalid command queued after valid ones must leave no partial mutation).
func (e *Executor) ExecuteAtomic(ctx context.Context, ds []Descriptor) ([]wire.Reply, liberr.Error) {
	if len(ds) == 0 {
		return nil, nil
	}

	route := ds[0].Route
	ep, ok := e.mgr.EntryForKey(ds[0].Key, route)
	if !ok {
		return nil, liberr.New(liberr.CodeNotAvailable, "command: no route for key")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	c, err := e.pools.Acquire(callCtx, ep, route)
	if err != nil {
		return nil, err
	}

	if _, err := e.sendRaw(callCtx, c, [][]byte{[]byte("MULTI")}); err != nil {
		e.pools.Discard(ep, route, c)
		return nil, err
	}

	for _, d := range ds {
		reply, err := e.sendRaw(callCtx, c, d.Args)
		if err != nil && err.Code() == liberr.CodeConnectionFatal {
			e.pools.Discard(ep, route, c)
			return nil, err
		}
		if err != nil || reply.Kind != wire.KindSimpleString || reply.Str != "QUEUED" {
			// A semantic rejection while queuing (reply.Kind ==
			// wire.KindError, e.g. an unknown command or a malformed
			// EVAL): DISCARD immediately, before EXEC is ever sent, so no
			// earlier queued mutation is ever applied (spec.md §8
			// boundary scenario 4).
			_, _ = e.sendRaw(callCtx, c, [][]byte{[]byte("DISCARD")})
			e.pools.Release(ep, route, c)
			return nil, liberr.New(liberr.CodeServerError, "command: atomic batch rejected while queuing: "+reply.Str)
		}
	}

	exec, err := e.sendRaw(callCtx, c, [][]byte{[]byte("EXEC")})
	if err != nil {
		e.pools.Discard(ep, route, c)
		return nil, err
	}
	e.pools.Release(ep, route, c)

	if exec.IsNil {
		return nil, liberr.New(liberr.CodeServerError, "command: atomic batch aborted, EXEC returned nil")
	}
	if exec.Kind != wire.KindArray || len(exec.Array) != len(ds) {
		return nil, liberr.New(liberr.CodeServerError, "command: atomic batch EXEC reply shape mismatch")
	}
	return exec.Array, nil
}

// sendRaw sends one command over an already-borrowed connection and waits
// for its reply. Unlike once, it applies no shard resolution, retry or
// redirect handling: every command inside a MULTI/EXEC transaction must go
// to the single connection that opened it.
func (e *Executor) sendRaw(ctx context.Context, c *conn.Connection, args [][]byte) (wire.Reply, liberr.Error) {
	done := make(chan conn.Result, 1)
	if sendErr := c.Send(&conn.Request{Args: args, Done: done}); sendErr != nil {
		return wire.Reply{}, sendErr
	}

	select {
	case res := <-done:
		// res.Reply is kept even when res.Err is set: a server-error reply
		// (e.g. "-ERR unknown command") carries the message ExecuteAtomic
		// needs to report why queuing was rejected, and is not itself a
		// reason to tear the connection down.
		return res.Reply, res.Err
	case <-ctx.Done():
		return wire.Reply{}, liberr.New(liberr.CodeTimeoutExceeded, "command: atomic batch timed out")
	}
}

func (e *Executor) once(ctx context.Context, ep conn.Endpoint, d Descriptor, toASKTarget bool) (wire.Reply, *topology.Redirect, liberr.Error) {
	c, err := e.pools.Acquire(ctx, ep, d.Route)
	if err != nil {
		return wire.Reply{}, nil, err
	}

	args := d.Args
	if toASKTarget {
		args = append([][]byte{[]byte("ASKING")}, args...)
	}

	done := make(chan conn.Result, 1)
	sendErr := c.Send(&conn.Request{Args: args, Done: done})
	if sendErr != nil {
		e.pools.Discard(ep, d.Route, c)
		return wire.Reply{}, nil, sendErr
	}

	select {
	case res := <-done:
		if res.Err != nil {
			if res.Err.Code() == liberr.CodeConnectionFatal {
				e.pools.Discard(ep, d.Route, c)
			} else {
				e.pools.Release(ep, d.Route, c)
			}
			if redirect, ok := topology.ParseRedirect(res.Reply.Str); ok {
				return wire.Reply{}, &redirect, liberr.New(liberr.CodeProtocolRedirect, res.Reply.Str)
			}
			return wire.Reply{}, nil, res.Err
		}
		e.pools.Release(ep, d.Route, c)
		return res.Reply, nil, nil

	case <-ctx.Done():
		e.pools.Discard(ep, d.Route, c)
		return wire.Reply{}, nil, liberr.New(liberr.CodeTimeoutExceeded, "command: execute timed out")
	}
}
