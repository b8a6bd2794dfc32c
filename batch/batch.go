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

// Package batch implements C6 (spec.md §4.5): a pipelined command batch
// with pipelined, atomic, skip-result and replica-sync execution modes.
package batch

import (
	"context"

	"github.com/nabbar/goredisson/command"
	"github.com/nabbar/goredisson/conn"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/topology"
	"github.com/nabbar/goredisson/wire"
)

// Mode selects how a Batch's queued descriptors are sent and how failures
// are handled (spec.md §4.5).
type Mode uint8

const (
	// ModePipelined runs each descriptor in queue order through the
	// executor, awaiting its reply before the next is sent (descriptors are
	// not written back-to-back on a shared connection); a failure in one
	// does not prevent the rest from executing.
	ModePipelined Mode = iota
	// ModeAtomic executes the whole batch as a single server-side
	// transaction: any failure rolls the entire batch back.
	ModeAtomic
	// ModeSkipResult is ModePipelined but discards replies, for
	// fire-and-forget writes the caller does not need results from.
	ModeSkipResult
	// ModeReplicaSync additionally waits for the write to be acknowledged
	// by replicas before the batch is considered complete.
	ModeReplicaSync
)

// Future is a deferred Result, fulfilled once the batch executes.
type Future struct {
	done chan Result
}

// Result is one descriptor's outcome within the batch.
type Result struct {
	Reply wire.Reply
	Err   liberr.Error
}

// Get blocks until this Future's descriptor has executed.
func (f *Future) Get(ctx context.Context) (wire.Reply, liberr.Error) {
	select {
	case r := <-f.done:
		return r.Reply, r.Err
	case <-ctx.Done():
		return wire.Reply{}, liberr.New(liberr.CodeTimeoutExceeded, "batch: future not resolved in time")
	}
}

type queued struct {
	d command.Descriptor
	f *Future
}

// Batch accumulates descriptors and executes them together under Mode's
// semantics (spec.md §4.5 "positional result integrity": replies are
// returned in the same order descriptors were queued).
type Batch struct {
	exec  *command.Executor
	mode  Mode
	log   logger.Logger
	items []queued
}

// New creates an empty Batch against exec, using mode for Execute.
func New(exec *command.Executor, mode Mode, log logger.Logger) *Batch {
	if log == nil {
		log = logger.Discard()
	}
	return &Batch{exec: exec, mode: mode, log: log}
}

// Queue appends d to the batch and returns a Future for its eventual
// result. In ModeSkipResult, the Future still resolves but its Reply is
// always the zero value.
func (b *Batch) Queue(d command.Descriptor) *Future {
	f := &Future{done: make(chan Result, 1)}
	b.items = append(b.items, queued{d: d, f: f})
	return f
}

// Execute runs every queued descriptor per Mode and resolves each Future
// (spec.md §4.5):
//   - ModeAtomic: descriptors are grouped by shard and each group runs as
//     one MULTI/EXEC transaction, all-or-nothing within the group. On the
//     first failing group, its Futures and those of every later group are
//     resolved with that error; groups already committed on other shards
//     keep their results.
//   - otherwise: each descriptor runs independently; its own error (if
//     any) resolves only its own Future.
func (b *Batch) Execute(ctx context.Context) liberr.Error {
	defer func() { b.items = nil }()

	if b.mode == ModeAtomic {
		return b.executeAtomic(ctx)
	}
	return b.executePipelined(ctx)
}

func (b *Batch) executePipelined(ctx context.Context) liberr.Error {
	for _, q := range b.items {
		reply, err := b.exec.Execute(ctx, q.d)
		if b.mode == ModeSkipResult {
			q.f.done <- Result{}
			continue
		}
		q.f.done <- Result{Reply: reply, Err: err}
	}

	if b.mode == ModeReplicaSync && len(b.items) > 0 {
		last := b.items[len(b.items)-1]
		if _, err := b.exec.Execute(ctx, command.Descriptor{
			Key:   last.d.Key,
			Route: last.d.Route,
			Args:  [][]byte{[]byte("WAIT"), []byte("1"), []byte("1000")},
		}); err != nil {
			return err
		}
	}
	return nil
}

// shardKey groups descriptors that the executor would route to the same
// connection, so each group can be wrapped in its own MULTI/EXEC
// transaction (spec.md §4.5: a batch may span more than one shard, but each
// shard's slice of it is atomic on its own).
type shardKey struct {
	ep    conn.Endpoint
	route topology.Route
}

// groupByShard partitions b.items by resolved shard-entry, preserving the
// order each group was first seen in.
func (b *Batch) groupByShard() ([]shardKey, map[shardKey][]queued) {
	groups := make(map[shardKey][]queued)
	var order []shardKey

	for _, q := range b.items {
		ep, _ := b.exec.Resolve(q.d.Key, q.d.Route)
		key := shardKey{ep: ep, route: q.d.Route}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], q)
	}
	return order, groups
}

// executeAtomic wraps each shard-group of b.items in a real server-side
// MULTI/EXEC transaction (command.Executor.ExecuteAtomic), so a descriptor
// rejected while queuing aborts before EXEC and leaves no partial mutation
// observable (spec.md §8 boundary scenario 4).
func (b *Batch) executeAtomic(ctx context.Context) liberr.Error {
	order, groups := b.groupByShard()

	for _, key := range order {
		group := groups[key]
		ds := make([]command.Descriptor, len(group))
		for i, q := range group {
			ds[i] = q.d
		}

		replies, err := b.exec.ExecuteAtomic(ctx, ds)
		if err != nil {
			b.failAll(err)
			return err
		}
		for i, q := range group {
			q.f.done <- Result{Reply: replies[i]}
		}
	}
	return nil
}

func (b *Batch) failAll(err liberr.Error) {
	for _, q := range b.items {
		select {
		case q.f.done <- Result{Err: err}:
		default:
		}
	}
}
