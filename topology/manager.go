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

// Package topology implements C3 (spec.md §4.2): the routing layer that
// turns a key (or an explicit node target) into an Endpoint, across the
// Single, Replicated, Sentinel and Cluster deployment modes, and absorbs
// MOVED/ASK redirects.
package topology

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/hashicorp/go-version"
	"golang.org/x/time/rate"

	"github.com/nabbar/goredisson/conn"
)

// Mode is the deployment topology this Manager routes for (spec.md §3).
type Mode uint8

const (
	ModeSingle Mode = iota
	ModeReplicated
	ModeSentinel
	ModeCluster
)

// Route selects which role of a shard a command should target.
type Route uint8

const (
	RouteMaster Route = iota
	RouteReplica
)

// NATMapper rewrites an Endpoint discovered from cluster/sentinel metadata,
// e.g. when the server announces internal Docker addresses (spec.md
// "Supplemented features").
type NATMapper = conn.NATMapper

// entry is one shard: a master endpoint, zero or more replicas, and (in
// Cluster mode) the slot range it owns.
type entry struct {
	master   conn.Endpoint
	replicas []conn.Endpoint
	slots    *bitset.BitSet
}

// Manager is the routing table plus the background refresh loop that keeps
// it current.
type Manager struct {
	mode Mode
	nat  NATMapper

	mu      sync.RWMutex
	entries []*entry

	serverVersion *version.Version

	scanLimiter *rate.Limiter
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewSingle builds a Manager with exactly one shard, used by Mode Single and
// Replicated (the replicas slice distinguishes them).
func NewSingle(master conn.Endpoint, replicas []conn.Endpoint, mode Mode, nat NATMapper) *Manager {
	if nat == nil {
		nat = conn.IdentityNATMapper
	}

	full := bitset.New(SlotCount)
	for i := uint(0); i < SlotCount; i++ {
		full.Set(i)
	}

	return &Manager{
		mode: mode,
		nat:  nat,
		entries: []*entry{{
			master:   nat(master),
			replicas: mapEndpoints(replicas, nat),
			slots:    full,
		}},
		scanLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		stop:        make(chan struct{}),
	}
}

// NewCluster builds a Manager from a discovered set of shards (spec.md §4.2
// "cluster mode: 16384-slot ring partitioned across shards").
func NewCluster(shards []ClusterShard, nat NATMapper) *Manager {
	if nat == nil {
		nat = conn.IdentityNATMapper
	}

	m := &Manager{
		mode:        ModeCluster,
		nat:         nat,
		scanLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		stop:        make(chan struct{}),
	}
	m.applyShards(shards)
	return m
}

// ClusterShard is one CLUSTER SLOTS/SHARDS row, as parsed by ParseClusterSlots.
type ClusterShard struct {
	SlotStart int
	SlotEnd   int
	Master    conn.Endpoint
	Replicas  []conn.Endpoint
}

func (m *Manager) applyShards(shards []ClusterShard) {
	entries := make([]*entry, 0, len(shards))
	for _, s := range shards {
		bs := bitset.New(SlotCount)
		for slot := s.SlotStart; slot <= s.SlotEnd; slot++ {
			bs.Set(uint(slot))
		}
		entries = append(entries, &entry{
			master:   m.nat(s.Master),
			replicas: mapEndpoints(s.Replicas, m.nat),
			slots:    bs,
		})
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
}

// EntryForKey returns the Endpoint serving key under route (spec.md §4.2
// "entryForRoute(key, route)").
func (m *Manager) EntryForKey(key string, route Route) (conn.Endpoint, bool) {
	slot := Slot(key)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if m.mode != ModeCluster || e.slots.Test(uint(slot)) {
			return m.pick(e, route)
		}
	}
	return conn.Endpoint{}, false
}

func (m *Manager) pick(e *entry, route Route) (conn.Endpoint, bool) {
	if route == RouteReplica && len(e.replicas) > 0 {
		return e.replicas[0], true
	}
	return e.master, true
}

// Entries returns every shard's master endpoint, for fan-out operations
// (e.g. SCAN across a cluster, or executor worker registration).
func (m *Manager) Entries() []conn.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]conn.Endpoint, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.master)
	}
	return out
}

// ApplyMoved updates the routing table in response to a MOVED redirect
// (spec.md §4.2/§7): slot now belongs to target permanently.
func (m *Manager) ApplyMoved(slot int, target conn.Endpoint) {
	target = m.nat(target)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.master == target {
			e.slots.Set(uint(slot))
			return
		}
		e.slots.Clear(uint(slot))
	}

	bs := bitset.New(SlotCount)
	bs.Set(uint(slot))
	m.entries = append(m.entries, &entry{master: target, slots: bs})
}

// Rescan applies a freshly discovered shard map, paced by the scan-interval
// rate limiter so a flapping cluster cannot starve command traffic (spec.md
// §4.2 "reconciliation run").
func (m *Manager) Rescan(shards []ClusterShard) bool {
	if !m.scanLimiter.Allow() {
		return false
	}
	m.applyShards(shards)
	return true
}

// Close stops the Manager's background work. Topology refresh is driven
// externally (by a sentinel poller or cluster scanner); Close only
// releases internal resources.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func mapEndpoints(eps []conn.Endpoint, nat NATMapper) []conn.Endpoint {
	out := make([]conn.Endpoint, len(eps))
	for i, e := range eps {
		out[i] = nat(e)
	}
	return out
}
