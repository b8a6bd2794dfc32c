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
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/nabbar/goredisson/command"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/wire"
)

// Semaphore is an expirable-permit counting semaphore (spec.md §4.6
// "expirable-permit semaphore"): each issued permit carries its own TTL,
// so a client that dies without releasing does not starve the pool
// forever — the server reclaims it once the nearest-timeout sentinel
// fires.
type Semaphore struct {
	exec    *command.Executor
	name    string
	total   int
	leaseTO time.Duration
	log     logger.Logger
}

// NewSemaphore builds a Semaphore named name allowing up to total
// concurrently issued permits, each leased for leaseTimeout.
func NewSemaphore(exec *command.Executor, name string, total int, leaseTimeout time.Duration, log logger.Logger) *Semaphore {
	if leaseTimeout <= 0 {
		leaseTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Semaphore{exec: exec, name: name, total: total, leaseTO: leaseTimeout, log: log}
}

// Acquire blocks until a permit is granted or waitMs elapses, mirroring the
// lock's wait loop (spec.md §4.6.3 "client loop mirrors the lock loop; on
// nearest-timeout sentinel it schedules a one-shot retry at the deadline").
// waitMs<=0 tries exactly once and returns immediately, matching the old
// non-blocking behavior (spec.md edge case: "free+issued always sums to
// total once expired permits are reclaimed").
func (s *Semaphore) Acquire(ctx context.Context, waitMs time.Duration) (permit string, ok bool, err liberr.Error) {
	deadline := time.Now().Add(waitMs)

	for {
		permit, acquired, nearest, aerr := s.tryAcquireOnce(ctx)
		if aerr != nil {
			return "", false, aerr
		}
		if acquired {
			return permit, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}

		wait := remaining
		if !nearest.IsZero() {
			if untilNearest := time.Until(nearest); untilNearest > 0 && untilNearest < wait {
				wait = untilNearest
			}
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", false, liberr.New(liberr.CodeTimeoutExceeded, "semaphore: acquire canceled")
		}
	}
}

// tryAcquireOnce runs one EVAL attempt, returning the nearest reclaim
// deadline the server reported (the zero Time if none was given) so Acquire
// can schedule its next retry precisely instead of blind polling.
func (s *Semaphore) tryAcquireOnce(ctx context.Context) (permit string, ok bool, nearest time.Time, err liberr.Error) {
	permit, errU := uuid.GenerateUUID()
	if errU != nil {
		return "", false, time.Time{}, liberr.New(liberr.CodeRejected, "semaphore: cannot mint permit id").AddParent(errU)
	}

	reply, execErr := s.exec.Execute(ctx, command.Descriptor{
		Key: s.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(semaphoreAcquireScript), []byte("1"),
			[]byte(s.name), []byte(permit),
			[]byte(strconv.Itoa(s.total)), []byte(strconv.FormatInt(s.leaseTO.Milliseconds(), 10)),
		},
	})
	if execErr != nil {
		return "", false, time.Time{}, execErr
	}
	if reply.Kind == wire.KindInteger && reply.Int == 1 {
		return permit, true, time.Time{}, nil
	}
	if at, ok := parseNearestTimeout(reply); ok {
		return "", false, at, nil
	}
	return "", false, time.Time{}, nil
}

// parseNearestTimeout recognizes the acquire script's "nearest timeout"
// sentinel, a string of the form ":<unixMilli>" naming the deadline at
// which the earliest outstanding permit is reclaimed.
func parseNearestTimeout(reply wire.Reply) (time.Time, bool) {
	s := reply.Str
	if s == "" {
		s = string(reply.Bulk)
	}
	if !strings.HasPrefix(s, ":") {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Release frees permit early, before its lease would otherwise expire.
func (s *Semaphore) Release(ctx context.Context, permit string) liberr.Error {
	_, err := s.exec.Execute(ctx, command.Descriptor{
		Key:  s.name,
		Args: [][]byte{[]byte("ZREM"), []byte(s.name), []byte(permit)},
	})
	return err
}

const semaphoreAcquireScript = `
local now = redis.call('time')[1] * 1000
redis.call('zremrangebyscore', KEYS[1], '-inf', now)
local issued = redis.call('zcard', KEYS[1])
if issued >= tonumber(ARGV[2]) then
  local earliest = redis.call('zrange', KEYS[1], 0, 0, 'withscores')
  if earliest[2] then
    return ':' .. earliest[2]
  end
  return 0
end
redis.call('zadd', KEYS[1], now + tonumber(ARGV[3]), ARGV[1])
return 1`
