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

// Package pubsub implements C5 (spec.md §4.4): subscribe/unsubscribe and
// replay of the subscription set after a reconnection, the way the teacher's
// NATS client tracks a subs map and re-subscribes from its reconnectHandler.
// One Service-wide mutex guards the subscription maps; there is no
// per-channel lock and no fairness ordering between callers.
package pubsub

import (
	"context"
	"sort"
	"sync"

	"github.com/nabbar/goredisson/conn"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/wire"
)

// Handler receives every message published to a channel the Service is
// subscribed to.
type Handler func(channel string, payload []byte)

// Dialer opens a fresh subscribe connection; supplied by the facade so the
// service can reconnect without importing pool directly.
type Dialer func(ctx context.Context) (*conn.Connection, liberr.Error)

// Service owns one subscribe connection and replays its subscription set
// across reconnects, in deterministic (sorted) channel order so tests can
// assert replay ordering (spec.md §8 "reconnection replay").
type Service struct {
	dial Dialer
	log  logger.Logger

	mu       sync.Mutex
	chanSubs map[string]Handler
	patSubs  map[string]Handler
	current  *conn.Connection

	closed bool
}

// New creates a Service. Connect must be called before Subscribe can push
// anything onto the wire; Subscribe queues the registration regardless.
func New(dial Dialer, log logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		dial:     dial,
		log:      log,
		chanSubs: make(map[string]Handler),
		patSubs:  make(map[string]Handler),
	}
}

// Connect dials the subscribe connection and replays any channels/patterns
// already registered via Subscribe/PSubscribe.
func (s *Service) Connect(ctx context.Context) liberr.Error {
	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	c.SetPushHandler(s.onPush)

	s.mu.Lock()
	s.current = c
	s.mu.Unlock()

	return s.replay(ctx)
}

// Reconnect tears down the current connection (if any) and dials a fresh
// one, replaying the subscription set (spec.md §4.4 "on reconnection,
// resubscribe to every channel and pattern in deterministic order").
func (s *Service) Reconnect(ctx context.Context) liberr.Error {
	s.mu.Lock()
	old := s.current
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return s.Connect(ctx)
}

func (s *Service) replay(ctx context.Context) liberr.Error {
	s.mu.Lock()
	channels := sortedKeys(s.chanSubs)
	patterns := sortedKeys(s.patSubs)
	c := s.current
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	for _, ch := range channels {
		if err := send(c, "SUBSCRIBE", ch); err != nil {
			return err
		}
	}
	for _, p := range patterns {
		if err := send(c, "PSUBSCRIBE", p); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers handler for channel under the Service-wide mutex and,
// if connected, sends SUBSCRIBE immediately after releasing it; no
// per-channel lock is held.
func (s *Service) Subscribe(channel string, handler Handler) liberr.Error {
	s.mu.Lock()
	s.chanSubs[channel] = handler
	c := s.current
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return send(c, "SUBSCRIBE", channel)
}

// PSubscribe is Subscribe for a glob pattern (spec.md §4.4 "pattern
// subscribe").
func (s *Service) PSubscribe(pattern string, handler Handler) liberr.Error {
	s.mu.Lock()
	s.patSubs[pattern] = handler
	c := s.current
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return send(c, "PSUBSCRIBE", pattern)
}

// Unsubscribe removes channel from the subscription set and, if connected,
// sends UNSUBSCRIBE.
func (s *Service) Unsubscribe(channel string) liberr.Error {
	s.mu.Lock()
	delete(s.chanSubs, channel)
	c := s.current
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return send(c, "UNSUBSCRIBE", channel)
}

// onPush is the Connection.SetPushHandler callback for the subscribe
// connection: it unwraps a ["message", channel, payload] or ["pmessage",
// pattern, channel, payload] push array and routes it through Dispatch.
// Anything else (a malformed or unrelated push) is ignored.
func (s *Service) onPush(reply wire.Reply) {
	if reply.Kind != wire.KindArray || len(reply.Array) < 3 {
		return
	}

	switch replyText(reply.Array[0]) {
	case "message":
		if len(reply.Array) != 3 {
			return
		}
		s.Dispatch(replyText(reply.Array[1]), reply.Array[2].Bulk)
	case "pmessage":
		if len(reply.Array) != 4 {
			return
		}
		s.Dispatch(replyText(reply.Array[2]), reply.Array[3].Bulk)
	}
}

// replyText returns a frame's textual value whether the server encoded it
// as a bulk string or a simple string.
func replyText(r wire.Reply) string {
	if r.Bulk != nil {
		return string(r.Bulk)
	}
	return r.Str
}

// Dispatch routes one received (channel, payload) pair to its registered
// handler, preferring an exact channel match over a pattern match.
func (s *Service) Dispatch(channel string, payload []byte) {
	s.mu.Lock()
	h, ok := s.chanSubs[channel]
	s.mu.Unlock()
	if ok {
		h(channel, payload)
		return
	}

	s.mu.Lock()
	for pattern, ph := range s.patSubs {
		if matchGlob(pattern, channel) {
			s.mu.Unlock()
			ph(channel, payload)
			return
		}
	}
	s.mu.Unlock()
}

// Publish sends payload to channel over the service's own connection. It
// is used by server-side script callers (e.g. the executor worker's
// per-task result channel) that have no other connection handy; callers
// issuing PUBLISH as part of a routed command should go through the
// command executor instead.
func (s *Service) Publish(channel string, payload []byte) liberr.Error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return liberr.New(liberr.CodeRejected, "pubsub: not connected")
	}
	return send(c, "PUBLISH", channel, payload)
}

// Close tears down the subscribe connection.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.current != nil {
		s.current.Close()
	}
}

func send(c *conn.Connection, cmd, arg string, extra ...[]byte) liberr.Error {
	args := make([][]byte, 0, 2+len(extra))
	args = append(args, []byte(cmd), []byte(arg))
	args = append(args, extra...)

	done := make(chan conn.Result, 1)
	if err := c.Send(&conn.Request{Args: args, Done: done}); err != nil {
		return err
	}
	res := <-done
	return res.Err
}

func sortedKeys(m map[string]Handler) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// matchGlob implements the small subset of glob syntax pub/sub patterns use
// (spec.md glossary "pattern subscribe"): '*' matches any run of
// characters, '?' matches exactly one.
func matchGlob(pattern, s string) bool {
	return globMatch(pattern, s)
}

func globMatch(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if globMatch(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatch(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	}
}
