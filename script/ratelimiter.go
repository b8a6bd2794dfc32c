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
)

// RateLimiter is a server-held token bucket (spec.md §4.6 "token-bucket
// rate limiter"): capacity tokens refilled at rate tokens per interval,
// consumed atomically per Acquire call.
type RateLimiter struct {
	exec     *command.Executor
	name     string
	capacity int64
	rate     int64
	interval time.Duration
	log      logger.Logger
}

// NewRateLimiter builds a RateLimiter named name with the given bucket
// capacity, refilling rate tokens every interval.
func NewRateLimiter(exec *command.Executor, name string, capacity, rate int64, interval time.Duration, log logger.Logger) *RateLimiter {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RateLimiter{exec: exec, name: name, capacity: capacity, rate: rate, interval: interval, log: log}
}

// Acquire consumes permits tokens, returning ok=false (without blocking) if
// the bucket does not currently hold enough.
func (r *RateLimiter) Acquire(ctx context.Context, permits int64) (ok bool, err liberr.Error) {
	reply, execErr := r.exec.Execute(ctx, command.Descriptor{
		Key: r.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(rateLimiterScript), []byte("1"), []byte(r.name),
			[]byte(strconv.FormatInt(r.capacity, 10)),
			[]byte(strconv.FormatInt(r.rate, 10)),
			[]byte(strconv.FormatInt(r.interval.Milliseconds(), 10)),
			[]byte(strconv.FormatInt(permits, 10)),
		},
	})
	if execErr != nil {
		return false, execErr
	}
	return reply.Int == 1, nil
}

const rateLimiterScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local permits = tonumber(ARGV[4])
local now = redis.call('time')[1] * 1000

local state = redis.call('hmget', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts)
local refill = math.floor(elapsed / interval) * rate
tokens = math.min(capacity, tokens + refill)

if tokens < permits then
  redis.call('hset', KEYS[1], 'tokens', tokens, 'ts', now)
  return 0
end

tokens = tokens - permits
redis.call('hset', KEYS[1], 'tokens', tokens, 'ts', now)
return 1`
