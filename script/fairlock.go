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

package script

import (
	"context"
	"strconv"
	"time"

	"github.com/nabbar/goredisson/command"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/pubsub"
)

// FairLock is a reentrant lock whose waiters are served in arrival order,
// backed by a waiters list (spec.md §4.6 "fair lock"). There is no
// server-side set of per-waiter timeouts: a waiter whose ctx ends removes
// itself from the list with LREM, and a waiter that goes away without doing
// so stays in the list.
type FairLock struct {
	exec    *command.Executor
	notify  *pubsub.Service
	name    string
	leaseTO time.Duration
	log     logger.Logger
}

// NewFairLock builds a FairLock named name.
func NewFairLock(exec *command.Executor, notify *pubsub.Service, name string, leaseTimeout time.Duration, log logger.Logger) *FairLock {
	if leaseTimeout <= 0 {
		leaseTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &FairLock{exec: exec, notify: notify, name: name, leaseTO: leaseTimeout, log: log}
}

// Lock enqueues holder in the waiters list, then blocks until it reaches
// the head of the queue and acquires the lock or ctx expires (spec.md
// edge case: "a waiter whose timeout elapses is removed from the queue
// without acquiring the lock").
func (f *FairLock) Lock(ctx context.Context, holder string) liberr.Error {
	if _, err := f.exec.Execute(ctx, command.Descriptor{
		Key:  f.name,
		Args: [][]byte{[]byte("RPUSH"), []byte(f.name + ":waiters"), []byte(holder)},
	}); err != nil {
		return err
	}

	woke := make(chan struct{}, 1)
	_ = f.notify.Subscribe(f.name, func(string, []byte) {
		select {
		case woke <- struct{}{}:
		default:
		}
	})
	defer f.notify.Unsubscribe(f.name)

	for {
		ok, err := f.tryAcquireHead(ctx, holder)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-woke:
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			_, _ = f.exec.Execute(context.Background(), command.Descriptor{
				Key:  f.name,
				Args: [][]byte{[]byte("LREM"), []byte(f.name + ":waiters"), []byte("0"), []byte(holder)},
			})
			return liberr.New(liberr.CodeTimeoutExceeded, "fairlock: timed out waiting in queue")
		}
	}
}

func (f *FairLock) tryAcquireHead(ctx context.Context, holder string) (bool, liberr.Error) {
	reply, err := f.exec.Execute(ctx, command.Descriptor{
		Key: f.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(fairLockAcquireScript), []byte("2"),
			[]byte(f.name), []byte(f.name + ":waiters"),
			[]byte(holder), []byte(strconv.FormatInt(f.leaseTO.Milliseconds(), 10)),
		},
	})
	if err != nil {
		return false, err
	}
	return reply.Int == 1, nil
}

// Unlock releases the lock and pops holder from the waiters queue if it is
// still at the head, publishing a wake-up for the next waiter.
func (f *FairLock) Unlock(ctx context.Context, holder string) liberr.Error {
	_, err := f.exec.Execute(ctx, command.Descriptor{
		Key: f.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(fairLockReleaseScript), []byte("2"),
			[]byte(f.name), []byte(f.name + ":waiters"), []byte(holder),
		},
	})
	return err
}

const (
	fairLockAcquireScript = `
local head = redis.call('lindex', KEYS[2], 0)
if head ~= ARGV[1] then
  return 0
end
if redis.call('exists', KEYS[1]) == 1 and redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('hincrby', KEYS[1], ARGV[1], 1)
redis.call('pexpire', KEYS[1], ARGV[2])
return 1`

	fairLockReleaseScript = `
local c = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if c <= 0 then
  redis.call('hdel', KEYS[1], ARGV[1])
  redis.call('lpop', KEYS[2])
  redis.call('publish', KEYS[1], 'released')
end
return 1`
)
