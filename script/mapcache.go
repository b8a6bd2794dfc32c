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

	"github.com/nabbar/goredisson/codec"
	"github.com/nabbar/goredisson/command"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
)

// MapCache is a server-held hash with a per-entry TTL and idle timeout
// (spec.md §4.6 "map-cache with TTL+idle eviction"): a GET refreshes the
// idle clock, a fixed TTL is absolute regardless of access.
type MapCache struct {
	exec  *command.Executor
	name  string
	codec codec.Codec
	log   logger.Logger
}

// NewMapCache builds a MapCache named name, encoding values with c (the
// module default is codec.CBOR).
func NewMapCache(exec *command.Executor, name string, c codec.Codec, log logger.Logger) *MapCache {
	if c == nil {
		c = codec.CBOR
	}
	if log == nil {
		log = logger.Discard()
	}
	return &MapCache{exec: exec, name: name, codec: c, log: log}
}

// Put stores value under field with an absolute ttl and an idleTimeout
// that is refreshed on every Get. A zero duration means "no expiry" on
// that axis.
func (m *MapCache) Put(ctx context.Context, field string, value interface{}, ttl, idleTimeout time.Duration) liberr.Error {
	enc, errEnc := m.codec.Encode(value)
	if errEnc != nil {
		return liberr.New(liberr.CodeRejected, "mapcache: encode failed").AddParent(errEnc)
	}

	_, err := m.exec.Execute(ctx, command.Descriptor{
		Key: m.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(mapCachePutScript), []byte("1"), []byte(m.name),
			[]byte(field), enc,
			[]byte(strconv.FormatInt(ttl.Milliseconds(), 10)),
			[]byte(strconv.FormatInt(idleTimeout.Milliseconds(), 10)),
		},
	})
	return err
}

// Get retrieves field, refreshing its idle timer, and reports whether it
// was present (and not expired).
func (m *MapCache) Get(ctx context.Context, field string, out interface{}) (bool, liberr.Error) {
	reply, err := m.exec.Execute(ctx, command.Descriptor{
		Key:  m.name,
		Args: [][]byte{[]byte("EVAL"), []byte(mapCacheGetScript), []byte("1"), []byte(m.name), []byte(field)},
	})
	if err != nil {
		return false, err
	}
	if reply.IsNil {
		return false, nil
	}
	if decErr := m.codec.Decode(reply.Bulk, out); decErr != nil {
		return false, liberr.New(liberr.CodeRejected, "mapcache: decode failed").AddParent(decErr)
	}
	return true, nil
}

// Remove deletes field immediately, independent of its TTL/idle state.
func (m *MapCache) Remove(ctx context.Context, field string) liberr.Error {
	_, err := m.exec.Execute(ctx, command.Descriptor{
		Key:  m.name,
		Args: [][]byte{[]byte("HDEL"), []byte(m.name), []byte(field)},
	})
	return err
}

const (
	mapCachePutScript = `
redis.call('hset', KEYS[1], ARGV[1], ARGV[2])
local now = redis.call('time')[1] * 1000
if tonumber(ARGV[3]) > 0 then
  redis.call('hset', KEYS[1] .. ':ttl', ARGV[1], now + tonumber(ARGV[3]))
end
if tonumber(ARGV[4]) > 0 then
  redis.call('hset', KEYS[1] .. ':idle', ARGV[1], now + tonumber(ARGV[4]))
  redis.call('hset', KEYS[1] .. ':idlems', ARGV[1], ARGV[4])
end
return 1`

	mapCacheGetScript = `
local now = redis.call('time')[1] * 1000
local ttl = redis.call('hget', KEYS[1] .. ':ttl', ARGV[1])
if ttl and tonumber(ttl) < now then
  redis.call('hdel', KEYS[1], ARGV[1])
  return false
end
local idle = redis.call('hget', KEYS[1] .. ':idle', ARGV[1])
if idle and tonumber(idle) < now then
  redis.call('hdel', KEYS[1], ARGV[1])
  return false
end
local v = redis.call('hget', KEYS[1], ARGV[1])
if not v then
  return false
end
if idle then
  redis.call('hset', KEYS[1] .. ':idle', ARGV[1], now + tonumber(redis.call('hget', KEYS[1] .. ':idlems', ARGV[1])))
end
return v`
)
