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

package topology

import (
	"context"
	"time"

	"github.com/nabbar/goredisson/conn"
	"github.com/nabbar/goredisson/logger"
)

// SentinelQuery asks one sentinel for the current master and replica set of
// a monitored name. Supplied by the caller (cmd/goredisson-cli provides one
// that speaks RESP over a raw Connection); kept as a function type here so
// topology stays free of the executor's retry/timeout policy.
type SentinelQuery func(ctx context.Context, sentinel conn.Endpoint, name string) (master conn.Endpoint, replicas []conn.Endpoint, err error)

// SentinelPoller periodically asks each configured sentinel for the current
// master/replica set and feeds it into a Manager (spec.md §4.2 "sentinel
// mode: a pool of sentinels is polled for the current master").
type SentinelPoller struct {
	sentinels []conn.Endpoint
	name      string
	query     SentinelQuery
	mgr       *Manager
	interval  time.Duration
	log       logger.Logger

	stop     chan struct{}
	stopOnce func()
}

// NewSentinelPoller builds a poller that updates mgr in place.
func NewSentinelPoller(sentinels []conn.Endpoint, name string, query SentinelQuery, mgr *Manager, interval time.Duration, log logger.Logger) *SentinelPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SentinelPoller{
		sentinels: sentinels,
		name:      name,
		query:     query,
		mgr:       mgr,
		interval:  interval,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Run blocks, polling until ctx is done or Stop is called.
func (p *SentinelPoller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.pollOnce(ctx)
		}
	}
}

// Stop ends a running Run loop.
func (p *SentinelPoller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

func (p *SentinelPoller) pollOnce(ctx context.Context) {
	for _, s := range p.sentinels {
		master, replicas, err := p.query(ctx, s, p.name)
		if err != nil {
			p.log.Warning("sentinel %s unreachable: %v", nil, s.Address(), err)
			continue
		}

		full := make([]ClusterShard, 1)
		full[0] = ClusterShard{SlotStart: 0, SlotEnd: SlotCount - 1, Master: master, Replicas: replicas}
		p.mgr.applyShards(full)
		return
	}

	p.log.Error("all sentinels unreachable for %s", nil, p.name)
}
