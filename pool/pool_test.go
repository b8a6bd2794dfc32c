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

package pool_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nabbar/goredisson/conn"
	"github.com/nabbar/goredisson/pool"
)

// acceptOne spins up a listener that replies +PONG to every command it
// reads, so pool.Acquire's fallback Dial path has something to connect to.
func acceptOne(t *testing.T) (ep conn.Endpoint, stop func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					if _, err := c.Write([]byte("+PONG\r\n")); err != nil {
						return
					}
				}
			}(c)
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	return conn.Endpoint{Host: "127.0.0.1", Port: addr.Port}, func() { _ = l.Close() }
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ep, stop := acceptOne(t)
	defer stop()

	p := pool.New(ep, pool.RoleWrite, pool.Options{MaxActive: 2}, nil)
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c)

	if got := p.IdleCount(); got != 1 {
		t.Fatalf("idle count = %d, want 1", got)
	}
}

func TestAcquireBlocksAtMaxActive(t *testing.T) {
	ep, stop := acceptOne(t)
	defer stop()

	p := pool.New(ep, pool.RoleWrite, pool.Options{MaxActive: 1}, nil)
	defer p.Shutdown()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(short); err == nil {
		t.Fatal("expected second acquire to time out while pool is exhausted")
	}

	p.Release(c1)
}
