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

// Package script implements C7 (spec.md §4.6): the server-side atomic
// protocols (reentrant lock, fair lock, expirable-permit semaphore,
// map-cache, rate limiter, scheduled executor queue) and the client-side
// wait loops and watchdog lease refresh that drive them, coordinated by
// pub/sub wake-ups.
package script

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/nabbar/goredisson/command"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/pubsub"
)

// holderID identifies one client-side lock holder (one goroutine's
// reentrant acquisition chain), generated with hashicorp/go-uuid the way
// the rest of this module mints request/permit identifiers.
func newHolderID() (string, error) {
	return uuid.GenerateUUID()
}

// Lock is a server-coordinated reentrant mutual-exclusion lock (spec.md
// §4.6 "reentrant lock"). The server-side state is a hash of
// {holder -> reentry count} plus a TTL acting as the lease; watchdog
// renews the TTL while the lock is held.
type Lock struct {
	exec    *command.Executor
	notify  *pubsub.Service
	name    string
	channel string
	leaseTO time.Duration
	log     logger.Logger

	mu       sync.Mutex
	holder   string
	watchdog context.CancelFunc
}

// NewLock builds a Lock named name. notify is the pub/sub Service used to
// wake waiters when the lock is released (spec.md "coordinated via pub/sub
// wake-ups").
func NewLock(exec *command.Executor, notify *pubsub.Service, name string, leaseTimeout time.Duration, log logger.Logger) *Lock {
	if leaseTimeout <= 0 {
		leaseTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Lock{
		exec:    exec,
		notify:  notify,
		name:    name,
		channel: name,
		leaseTO: leaseTimeout,
		log:     log,
	}
}

// Lock blocks until it acquires the lock or ctx is done, and returns the
// holder id it acquired under. Every call mints a fresh holder id, so a
// second Lock call waits like any other contender; the acquire script
// increments the reentry count only when the same holder id acquires again.
func (l *Lock) Lock(ctx context.Context) (string, liberr.Error) {
	holder, errU := newHolderID()
	if errU != nil {
		return "", liberr.New(liberr.CodeRejected, "lock: cannot mint holder id").AddParent(errU)
	}

	for {
		acquired, err := l.tryAcquire(ctx, holder)
		if err != nil {
			return "", err
		}
		if acquired {
			l.startWatchdog(holder)
			return holder, nil
		}

		if err := l.waitForRelease(ctx); err != nil {
			return "", err
		}
	}
}

// tryAcquire runs the equivalent of the lock's server-side EVAL: HINCRBY
// the holder field if the hash is empty or already owned by holder, with a
// PEXPIRE of leaseTO set atomically.
func (l *Lock) tryAcquire(ctx context.Context, holder string) (bool, liberr.Error) {
	reply, err := l.exec.Execute(ctx, command.Descriptor{
		Key:  l.name,
		Args: [][]byte{[]byte("EVAL"), []byte(lockAcquireScript), []byte("1"), []byte(l.name), []byte(holder), []byte(strconv.FormatInt(l.leaseTO.Milliseconds(), 10))},
	})
	if err != nil {
		return false, err
	}
	return reply.Int == 1, nil
}

func (l *Lock) waitForRelease(ctx context.Context) liberr.Error {
	woke := make(chan struct{}, 1)
	_ = l.notify.Subscribe(l.channel, func(string, []byte) {
		select {
		case woke <- struct{}{}:
		default:
		}
	})
	defer l.notify.Unsubscribe(l.channel)

	select {
	case <-woke:
		return nil
	case <-time.After(200 * time.Millisecond):
		// Poll periodically in case the release notification raced the
		// subscribe (spec.md "pub/sub wake-ups" is a latency optimization,
		// not the sole correctness path).
		return nil
	case <-ctx.Done():
		return liberr.New(liberr.CodeTimeoutExceeded, "lock: acquire canceled")
	}
}

// startWatchdog refreshes the lease every leaseTO/3 while the lock is held,
// stopping automatically once Unlock cancels it (spec.md "watchdog lease
// refresh").
func (l *Lock) startWatchdog(holder string) {
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.holder = holder
	l.watchdog = cancel
	l.mu.Unlock()

	go func() {
		t := time.NewTicker(l.leaseTO / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = l.exec.Execute(context.Background(), command.Descriptor{
					Key: l.name,
					Args: [][]byte{
						[]byte("EVAL"), []byte(lockExtendScript), []byte("1"),
						[]byte(l.name), []byte(holder), []byte(strconv.FormatInt(l.leaseTO.Milliseconds(), 10)),
					},
				})
			}
		}
	}()
}

// Unlock decrements the reentry counter, deleting the hash and publishing
// a release notification once it reaches zero (spec.md §4.6).
func (l *Lock) Unlock(ctx context.Context, holder string) liberr.Error {
	l.mu.Lock()
	if l.watchdog != nil && l.holder == holder {
		l.watchdog()
		l.watchdog = nil
	}
	l.mu.Unlock()

	reply, err := l.exec.Execute(ctx, command.Descriptor{
		Key:  l.name,
		Args: [][]byte{[]byte("EVAL"), []byte(lockReleaseScript), []byte("1"), []byte(l.name), []byte(holder)},
	})
	if err != nil {
		return err
	}
	if reply.Int == 0 {
		return liberr.New(liberr.CodeRejected, fmt.Sprintf("lock: %s not held by %s", l.name, holder))
	}
	return nil
}

// The scripts below are sketches of the server-side Lua bodies this
// package expects the remote server to execute atomically; this client
// never evaluates them locally.
const (
	lockAcquireScript = `
if redis.call('exists', KEYS[1]) == 0 or redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
  redis.call('hincrby', KEYS[1], ARGV[1], 1)
  redis.call('pexpire', KEYS[1], ARGV[2])
  return 1
end
return 0`

	lockReleaseScript = `
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local c = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if c > 0 then
  return 1
end
redis.call('hdel', KEYS[1], ARGV[1])
if redis.call('hlen', KEYS[1]) == 0 then
  redis.call('del', KEYS[1])
  redis.call('publish', KEYS[1], 'released')
  return 2
end
return 1`

	// lockExtendScript is the watchdog's lease refresh: it only extends the
	// TTL while ARGV[1] is still the (or a) current holder, so a watchdog
	// outliving its own lease can never re-extend a different holder's lock
	// (spec.md §4.6.1: "the watchdog must never extend a lease held by a
	// different holder").
	lockExtendScript = `
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('pexpire', KEYS[1], ARGV[2])
return 1`
)
