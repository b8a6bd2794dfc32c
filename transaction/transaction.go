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

// Package transaction implements C10 (spec.md §4.9): a multi-step
// transactional executor over per-key reentrant locks, a local-cache
// coherence protocol (disable/ack/enable over pub/sub), and a single
// atomic commit pipeline.
package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/nabbar/goredisson/batch"
	"github.com/nabbar/goredisson/command"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/pubsub"
	"github.com/nabbar/goredisson/script"
)

// LockFactory builds the per-key reentrant lock used to guard key for the
// duration of a transaction, leased for at most lease.
type LockFactory func(key string, lease time.Duration) *script.Lock

// Transaction stages mutating operations under per-key locks and a local
// tentative view, then commits them as a single atomic pipeline (spec.md
// §4.9: "each mutating operation... (a) acquire a per-key lock... (b)
// record the operation in the staged list; (c) update a local tentative
// view").
type Transaction struct {
	id       string
	exec     *command.Executor
	notify   *pubsub.Service
	lockFor  LockFactory
	deadline time.Duration
	log      logger.Logger

	mu        sync.Mutex
	staged    []command.Descriptor
	tentative map[string][]byte
	holders   map[string]string // key -> holder id from its Lock
	topics    map[string]struct{}
}

// New starts a transaction identified by a freshly minted id, with
// deadline as both the per-key lock lease and the local-cache ack budget.
func New(exec *command.Executor, notify *pubsub.Service, lockFor LockFactory, deadline time.Duration, log logger.Logger) (*Transaction, liberr.Error) {
	id, errU := uuid.GenerateUUID()
	if errU != nil {
		return nil, liberr.New(liberr.CodeRejected, "transaction: cannot mint id").AddParent(errU)
	}
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Transaction{
		id:        id,
		exec:      exec,
		notify:    notify,
		lockFor:   lockFor,
		deadline:  deadline,
		log:       log,
		tentative: make(map[string][]byte),
		holders:   make(map[string]string),
		topics:    make(map[string]struct{}),
	}, nil
}

// ID returns the transaction's identifier, also the ack-channel key.
func (t *Transaction) ID() string { return t.id }

// Stage acquires key's per-key lock (reentrant across multiple Stage calls
// for the same key within this transaction), records d in the commit
// pipeline, and updates the local tentative view so a later Read in this
// same transaction observes the pending write. topic, if non-empty, names
// the local-cache collection key belongs to, so Commit can run the
// disable/enable coherence announcement for it.
func (t *Transaction) Stage(ctx context.Context, key string, d command.Descriptor, tentativeValue []byte, topic string) liberr.Error {
	t.mu.Lock()
	_, alreadyHeld := t.holders[key]
	t.mu.Unlock()

	if !alreadyHeld {
		lk := t.lockFor(key, t.deadline)
		holder, err := lk.Lock(ctx)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.holders[key] = holder
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.staged = append(t.staged, d)
	t.tentative[key] = tentativeValue
	if topic != "" {
		t.topics[topic] = struct{}{}
	}
	t.mu.Unlock()
	return nil
}

// Read returns the tentative value staged for key within this
// transaction, if any (spec.md "a local tentative view used by reads in
// the same transaction").
func (t *Transaction) Read(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.tentative[key]
	return v, ok
}

// Commit runs the local-cache disable announcement (if any collection was
// touched), waits for acks, executes the staged pipeline atomically, then
// announces enable. On any failure the transaction is rolled back.
func (t *Transaction) Commit(ctx context.Context) liberr.Error {
	t.mu.Lock()
	staged := append([]command.Descriptor(nil), t.staged...)
	topics := sortedTopics(t.topics)
	t.mu.Unlock()

	expectedAcks := len(topics)
	if expectedAcks > 0 {
		if err := t.announceAndAwait(ctx, topics, "disable", expectedAcks); err != nil {
			t.rollbackLocked(ctx, nil)
			return err
		}
	}

	b := batch.New(t.exec, batch.ModeAtomic, t.log)
	for _, d := range staged {
		b.Queue(d)
	}

	if err := b.Execute(ctx); err != nil {
		t.rollbackLocked(ctx, topics)
		return err
	}

	if err := t.announceAndAwait(ctx, topics, "enable", 0); err != nil {
		t.log.Warning("transaction %s: enable announcement failed: %v", nil, t.id, err)
	}

	t.releaseLocks(ctx)
	return nil
}

// Rollback releases every held lock and publishes the enable announcement
// immediately (spec.md "on rollback, enable is published immediately"),
// discarding the staged pipeline.
func (t *Transaction) Rollback(ctx context.Context) liberr.Error {
	t.mu.Lock()
	topics := sortedTopics(t.topics)
	t.mu.Unlock()
	return t.rollbackLocked(ctx, topics)
}

func (t *Transaction) rollbackLocked(ctx context.Context, topics []string) liberr.Error {
	if topics == nil {
		t.mu.Lock()
		topics = sortedTopics(t.topics)
		t.mu.Unlock()
	}
	_, _ = t.announceAndAwait(ctx, topics, "enable", 0)
	t.releaseLocks(ctx)

	t.mu.Lock()
	t.staged = nil
	t.tentative = make(map[string][]byte)
	t.mu.Unlock()
	return nil
}

func (t *Transaction) releaseLocks(ctx context.Context) {
	t.mu.Lock()
	holders := make(map[string]string, len(t.holders))
	for k, v := range t.holders {
		holders[k] = v
	}
	t.holders = make(map[string]string)
	t.mu.Unlock()

	for key, holder := range holders {
		lk := t.lockFor(key, t.deadline)
		if err := lk.Unlock(ctx, holder); err != nil {
			t.log.Warning("transaction %s: unlock %s failed: %v", nil, t.id, key, err)
		}
	}
}

// announceAndAwait publishes kind on every topic's channel and, if
// expectedAcks > 0, waits for that many acks on this transaction's ack
// channel before t.deadline elapses.
func (t *Transaction) announceAndAwait(ctx context.Context, topics []string, kind string, expectedAcks int) liberr.Error {
	for _, topic := range topics {
		if err := t.notify.Publish(announceChannel(topic), []byte(kind+":"+t.id)); err != nil {
			return err
		}
	}
	if expectedAcks <= 0 {
		return nil
	}

	acked := make(chan struct{}, expectedAcks)
	channel := ackChannel(t.id)
	if err := t.notify.Subscribe(channel, func(string, []byte) {
		select {
		case acked <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}
	defer func() { _ = t.notify.Unsubscribe(channel) }()

	timeout := time.NewTimer(t.deadline)
	defer timeout.Stop()

	received := 0
	for received < expectedAcks {
		select {
		case <-acked:
			received++
		case <-timeout.C:
			return liberr.Newf(liberr.CodeTransactionTimeout, "transaction %s: only %d/%d acks for %s", t.id, received, expectedAcks, kind)
		case <-ctx.Done():
			return liberr.Newf(liberr.CodeTransactionTimeout, "transaction %s: canceled awaiting %s acks", t.id, kind)
		}
	}
	return nil
}

func announceChannel(topic string) string { return "txn:topic:" + topic }
func ackChannel(txID string) string       { return "txn:ack:" + txID }

func sortedTopics(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
