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

package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nabbar/goredisson/command"
	"github.com/nabbar/goredisson/conn"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/pubsub"
	"github.com/nabbar/goredisson/script"
	"github.com/nabbar/goredisson/topology"
)

// fakeQueueServer is a tiny in-memory stand-in for the sorted-set-plus-hash
// state the scheduled-executor scripts (script.Queue) mutate atomically.
// It dispatches EVAL calls by their argument count rather than by script
// body, since the script bodies themselves are unexported to the script
// package.
type fakeQueueServer struct {
	mu        sync.Mutex
	due       map[string]int64
	payload   map[string]string
	status    map[string]int
	submits   map[string]int
	onPublish func(channel string, payload []byte)
}

func newFakeQueueServer() *fakeQueueServer {
	return &fakeQueueServer{
		due:     make(map[string]int64),
		payload: make(map[string]string),
		status:  make(map[string]int),
		submits: make(map[string]int),
	}
}

func (s *fakeQueueServer) submittedCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[id]
}

func (s *fakeQueueServer) handle(args [][]byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch string(args[0]) {
	case "EVAL":
		switch len(args) {
		case 7: // Submit: EVAL script 1 name id payload due
			id, payload := string(args[4]), string(args[5])
			due, _ := strconv.ParseInt(string(args[6]), 10, 64)
			s.payload[id] = payload
			s.due[id] = due
			s.status[id] = 0
			s.submits[id]++
			return []byte(":1\r\n")
		case 8: // Retry: EVAL script 1 name originalID retryID payload due
			orig, retry, payload := string(args[4]), string(args[5]), string(args[6])
			due, _ := strconv.ParseInt(string(args[7]), 10, 64)
			s.status[orig] = 3
			s.payload[retry] = payload
			s.due[retry] = due
			s.status[retry] = 0
			s.submits[retry]++
			return []byte(":1\r\n")
		case 5: // Cancel: EVAL script 1 name id
			id := string(args[4])
			if s.status[id] == 1 {
				return []byte(":0\r\n")
			}
			delete(s.due, id)
			s.status[id] = 4
			return []byte(":1\r\n")
		case 6: // ClaimDue: EVAL script 1 name now limit
			now, _ := strconv.ParseInt(string(args[4]), 10, 64)
			limit, _ := strconv.Atoi(string(args[5]))
			var ids []string
			for id, due := range s.due {
				if due <= now {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)
			if len(ids) > limit {
				ids = ids[:limit]
			}
			for _, id := range ids {
				delete(s.due, id)
				s.status[id] = 1
			}
			return encodeArray(ids)
		}
	case "HGET":
		id := string(args[2])
		payload, ok := s.payload[id]
		if !ok {
			return []byte("$-1\r\n")
		}
		return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(payload), payload))
	case "PUBLISH":
		channel := string(args[1])
		payload := args[2]
		if s.onPublish != nil {
			go s.onPublish(channel, payload)
		}
		return []byte(":1\r\n")
	case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE":
		return []byte("+OK\r\n")
	}
	return []byte(":0\r\n")
}

func encodeArray(ids []string) []byte {
	out := []byte(fmt.Sprintf("*%d\r\n", len(ids)))
	for _, id := range ids {
		out = append(out, []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(id), id))...)
	}
	return out
}

func listenFakeQueue(t *testing.T, srv *fakeQueueServer) conn.Endpoint {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go serveFakeQueueConn(c, srv)
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	return conn.Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

func serveFakeQueueConn(c net.Conn, srv *fakeQueueServer) {
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		hdr, err := r.ReadString('\n')
		if err != nil || len(hdr) < 2 || hdr[0] != '*' {
			return
		}
		n, err := strconv.Atoi(hdr[1 : len(hdr)-2])
		if err != nil {
			return
		}
		args := make([][]byte, n)
		for i := 0; i < n; i++ {
			lenLine, err := r.ReadString('\n')
			if err != nil || len(lenLine) < 2 || lenLine[0] != '$' {
				return
			}
			size, err := strconv.Atoi(lenLine[1 : len(lenLine)-2])
			if err != nil {
				return
			}
			buf := make([]byte, size+2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			args[i] = buf[:size]
		}
		if _, err := w.Write(srv.handle(args)); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// dialPool dials a fresh connection per Acquire against the single fake
// endpoint; enough to drive command.Executor in these tests.
type dialPool struct{}

func (dialPool) Acquire(ctx context.Context, ep conn.Endpoint, _ topology.Route) (*conn.Connection, liberr.Error) {
	c, err := conn.Dial(ep, 2*time.Second, nil)
	if err != nil {
		return nil, liberr.WrapConnection(err)
	}
	return c, nil
}
func (dialPool) Release(_ conn.Endpoint, _ topology.Route, c *conn.Connection) { c.Close() }
func (dialPool) Discard(_ conn.Endpoint, _ topology.Route, c *conn.Connection) { c.Close() }

// newFakeQueue wires a script.Queue and a pubsub.Service against a shared
// fakeQueueServer. The server's PUBLISH handling is relayed straight into
// the Service's Dispatch so AwaitResult observes it: the fake server
// answers SUBSCRIBE with a plain +OK and never pushes message frames, so
// tests simulate delivery by calling Dispatch directly.
func newFakeQueue(t *testing.T) (*script.Queue, *pubsub.Service, *fakeQueueServer) {
	t.Helper()

	srv := newFakeQueueServer()
	ep := listenFakeQueue(t, srv)

	shards := []topology.ClusterShard{{SlotStart: 0, SlotEnd: topology.SlotCount - 1, Master: ep}}
	mgr := topology.NewCluster(shards, nil)
	exec := command.New(mgr, dialPool{}, command.Policy{}, nil)

	queue := script.NewQueue(exec, "jobs", nil)

	svc := pubsub.New(func(ctx context.Context) (*conn.Connection, liberr.Error) {
		c, err := conn.Dial(ep, 2*time.Second, nil)
		if err != nil {
			return nil, liberr.WrapConnection(err)
		}
		return c, nil
	}, nil)
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("pubsub connect: %v", err)
	}

	srv.onPublish = func(channel string, payload []byte) {
		svc.Dispatch(channel, payload)
	}

	return queue, svc, srv
}
