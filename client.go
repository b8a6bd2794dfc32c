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

// Package goredisson is the facade: it wires topology, connection pooling,
// the command executor, pub/sub, the server-side script primitives, the
// remote task executor and the transaction engine into one Client, the way
// the teacher's own top-level packages compose their components/ plugins
// into a single running service.
package goredisson

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/nabbar/goredisson/codec"
	"github.com/nabbar/goredisson/command"
	"github.com/nabbar/goredisson/config"
	"github.com/nabbar/goredisson/conn"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/eviction"
	"github.com/nabbar/goredisson/executor"
	"github.com/nabbar/goredisson/logger"
	"github.com/nabbar/goredisson/metrics"
	"github.com/nabbar/goredisson/pool"
	"github.com/nabbar/goredisson/pubsub"
	"github.com/nabbar/goredisson/script"
	"github.com/nabbar/goredisson/topology"
	"github.com/nabbar/goredisson/transaction"
)

// SentinelQuery is re-exported so callers configuring Sentinel mode don't
// need to import topology directly.
type SentinelQuery = topology.SentinelQuery

// Client is one connected data-grid session: a topology-aware command
// executor plus the pub/sub, locking, scheduling and transaction layers
// built on top of it.
type Client struct {
	opt config.Options
	log logger.Logger

	mgr      *topology.Manager
	pools    *poolRegistry
	exec     *command.Executor
	notify   *pubsub.Service
	metrics  *metrics.Recorder
	evict    *eviction.Scheduler
	sentPoll *topology.SentinelPoller

	readRoute topology.Route
}

// Single connects to one master, optionally with read replicas (spec.md §3
// Single/Replicated modes — the same Manager, distinguished only by whether
// replicas is empty).
func Single(ctx context.Context, opt config.Options, master conn.Endpoint, replicas []conn.Endpoint, log logger.Logger) (*Client, liberr.Error) {
	tlsCfg, err := opt.Connection.TLS.Build()
	if err != nil {
		return nil, liberr.WrapConnection(err)
	}
	master = applyTLS(master, tlsCfg)
	replicas = applyTLSAll(replicas, tlsCfg)

	mode := topology.ModeSingle
	if len(replicas) > 0 {
		mode = topology.ModeReplicated
	}
	mgr := topology.NewSingle(master, replicas, mode, natMapperFor(opt))
	return newClient(ctx, opt, mgr, log)
}

// Cluster connects using a CLUSTER SLOTS-style layout already discovered by
// the caller (spec.md §4.2 cluster mode). Use topology.ParseClusterSlots on
// a bootstrap reply to build shards.
func Cluster(ctx context.Context, opt config.Options, shards []topology.ClusterShard, log logger.Logger) (*Client, liberr.Error) {
	tlsCfg, err := opt.Connection.TLS.Build()
	if err != nil {
		return nil, liberr.WrapConnection(err)
	}
	for i := range shards {
		shards[i].Master = applyTLS(shards[i].Master, tlsCfg)
		shards[i].Replicas = applyTLSAll(shards[i].Replicas, tlsCfg)
	}

	mgr := topology.NewCluster(shards, natMapperFor(opt))
	return newClient(ctx, opt, mgr, log)
}

// Sentinel starts a Manager fed by a background SentinelPoller: the initial
// topology is empty until the first successful poll, matching spec.md §4.2
// "sentinel mode: a pool of sentinels is polled for the current master".
func Sentinel(ctx context.Context, opt config.Options, sentinels []conn.Endpoint, masterName string, query SentinelQuery, log logger.Logger) (*Client, liberr.Error) {
	tlsCfg, err := opt.Connection.TLS.Build()
	if err != nil {
		return nil, liberr.WrapConnection(err)
	}
	sentinels = applyTLSAll(sentinels, tlsCfg)

	mgr := topology.NewCluster(nil, natMapperFor(opt))
	c, cerr := newClient(ctx, opt, mgr, log)
	if cerr != nil {
		return nil, cerr
	}

	c.sentPoll = topology.NewSentinelPoller(sentinels, masterName, query, mgr, opt.Topology.ScanInterval, log)
	go c.sentPoll.Run(ctx)

	return c, nil
}

// natMapperFor returns nil (Manager falls back to the identity mapper)
// whatever opt says: opt.Topology.NATMapper is not consulted. Callers that
// need real Docker/K8s-internal address rewriting construct the Manager via
// topology.NewSingle/NewCluster directly and pass their own mapper.
func natMapperFor(opt config.Options) topology.NATMapper {
	return nil
}

// applyTLS fills ep.TLS with cfg unless the caller already set one, so an
// Endpoint built with its own TLS config always wins over the group-wide
// opt.Connection.TLS.
func applyTLS(ep conn.Endpoint, cfg *tls.Config) conn.Endpoint {
	if ep.TLS == nil {
		ep.TLS = cfg
	}
	return ep
}

func applyTLSAll(eps []conn.Endpoint, cfg *tls.Config) []conn.Endpoint {
	for i := range eps {
		eps[i] = applyTLS(eps[i], cfg)
	}
	return eps
}

// discoverServerVersion issues a best-effort INFO server call so mgr knows
// whether the connected deployment supports CLUSTER SHARDS (Redis 7+) or
// only the legacy CLUSTER SLOTS reply (topology.Manager.DiscoveryCommand).
// A failure here is not fatal to connecting: it just leaves the Manager
// defaulting to CLUSTER SLOTS.
func discoverServerVersion(ctx context.Context, exec *command.Executor, mgr *topology.Manager, log logger.Logger) {
	reply, err := exec.Execute(ctx, command.Descriptor{Args: [][]byte{[]byte("INFO"), []byte("server")}})
	if err != nil {
		log.Debug("topology: INFO server failed during connect: %v", nil, err)
		return
	}

	v, verr := topology.ParseServerVersion(string(reply.Bulk))
	if verr != nil {
		log.Debug("topology: could not parse server version: %v", nil, verr)
		return
	}
	mgr.SetServerVersion(v)
}

func newClient(ctx context.Context, opt config.Options, mgr *topology.Manager, log logger.Logger) (*Client, liberr.Error) {
	if log == nil {
		log = logger.Discard()
	}

	poolOpt := pool.Options{
		MaxActive:             opt.Connection.ConnectionPoolSize,
		MinIdle:               opt.Connection.ConnectionMinIdle,
		ConnectTimeout:        opt.Connection.ConnectTimeout,
		IdleConnectionTimeout: opt.Connection.IdleConnectionTimeout,
		SubscriptionsPerConn:  opt.Connection.SubscriptionsPerConnection,
		DialAttempts:          opt.Connection.RetryAttempts,
	}

	pools := newPoolRegistry(poolOpt, log)

	policy := command.Policy{
		Timeout:    opt.Connection.ResponseTimeout,
		MaxRetries: opt.Connection.RetryAttempts,
	}
	exec := command.New(mgr, pools, policy, log)

	readRoute := topology.RouteMaster
	if opt.Topology.ReadMode == "replica" {
		readRoute = topology.RouteReplica
	}

	notify := pubsub.New(func(ctx context.Context) (*conn.Connection, liberr.Error) {
		ep, ok := mgr.EntryForKey("", topology.RouteMaster)
		if !ok {
			eps := mgr.Entries()
			if len(eps) == 0 {
				return nil, liberr.New(liberr.CodeNotAvailable, "pubsub: no endpoint available")
			}
			ep = eps[0]
		}
		return pools.subscribeConnection(ctx, ep)
	}, log)

	if err := notify.Connect(ctx); err != nil {
		log.Warning("pubsub: initial connect failed: %v", nil, err)
	}

	rec := metrics.New(nil)
	exec.SetMetrics(rec)
	pools.setMetrics(rec)

	discoverServerVersion(ctx, exec, mgr, log)

	return &Client{
		opt:       opt,
		log:       log,
		mgr:       mgr,
		pools:     pools,
		exec:      exec,
		notify:    notify,
		metrics:   rec,
		readRoute: readRoute,
	}, nil
}

// Metrics returns the client's prometheus Recorder so callers can register
// its Registry with an HTTP exposition handler.
func (c *Client) Metrics() *metrics.Recorder { return c.metrics }

// Executor exposes the underlying command.Executor for callers building
// their own Descriptor.
func (c *Client) Executor() *command.Executor { return c.exec }

// PubSub exposes the underlying pubsub.Service.
func (c *Client) PubSub() *pubsub.Service { return c.notify }

// Close stops the eviction Scheduler started by EnableEviction and the
// SentinelPoller started by Sentinel (when present), then shuts down the
// pub/sub connection, every pool and the topology Manager.
func (c *Client) Close() {
	if c.evict != nil {
		c.evict.Stop()
	}
	if c.sentPoll != nil {
		c.sentPoll.Stop()
	}
	c.notify.Close()
	c.pools.shutdown()
	c.mgr.Close()
}

// EnableEviction starts a keyspace-notification listener for db (spec.md
// §4.8 "Supplemented features") that calls onExpired for every expired-key
// event, and starts an eviction Scheduler. No jobs are registered on that
// Scheduler, so no scan-driven eviction runs.
func (c *Client) EnableEviction(ctx context.Context, db int, onExpired func(key string)) {
	c.evict = eviction.New(c.log)

	listener := eviction.NewKeyspaceEvictionListener(c.notify, db, onExpired)
	if err := listener.Start(); err != nil {
		c.log.Warning("eviction: keyspace listener failed to start: %v", nil, err)
	}

	c.evict.Start(ctx)
}

// Get issues a GET for key, following opt.Topology.ReadMode.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := c.exec.Execute(ctx, command.Descriptor{
		Key:   key,
		Route: c.readRoute,
		Args:  [][]byte{[]byte("GET"), []byte(key)},
	})
	if err != nil {
		return nil, false, err
	}
	if reply.IsNil {
		return nil, false, nil
	}
	return reply.Bulk, true, nil
}

// Set issues a SET for key/value.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.exec.Execute(ctx, command.Descriptor{
		Key:   key,
		Route: topology.RouteMaster,
		Args:  [][]byte{[]byte("SET"), []byte(key), value},
	})
	if err != nil {
		return err
	}
	return nil
}

// Del issues a DEL for key, returning whether a key was removed.
func (c *Client) Del(ctx context.Context, key string) (bool, error) {
	reply, err := c.exec.Execute(ctx, command.Descriptor{
		Key:   key,
		Route: topology.RouteMaster,
		Args:  [][]byte{[]byte("DEL"), []byte(key)},
	})
	if err != nil {
		return false, err
	}
	return reply.Int > 0, nil
}

// NewLock builds a reentrant distributed lock named name (spec.md §4.5 C6
// scripted primitives).
func (c *Client) NewLock(name string, leaseTimeout time.Duration) *script.Lock {
	return script.NewLock(c.exec, c.notify, name, leaseTimeout, c.log)
}

// NewFairLock builds a FIFO-fair distributed lock named name.
func (c *Client) NewFairLock(name string, leaseTimeout time.Duration) *script.FairLock {
	return script.NewFairLock(c.exec, c.notify, name, leaseTimeout, c.log)
}

// NewSemaphore builds a counting semaphore named name with total permits.
func (c *Client) NewSemaphore(name string, total int, leaseTimeout time.Duration) *script.Semaphore {
	return script.NewSemaphore(c.exec, name, total, leaseTimeout, c.log)
}

// NewRateLimiter builds a token-bucket rate limiter named name.
func (c *Client) NewRateLimiter(name string, capacity, rate int64, interval time.Duration) *script.RateLimiter {
	return script.NewRateLimiter(c.exec, name, capacity, rate, interval, c.log)
}

// NewMapCache builds a field-level TTL/idle-timeout map cache named name.
func (c *Client) NewMapCache(name string, codecImpl codec.Codec) *script.MapCache {
	return script.NewMapCache(c.exec, name, codecImpl, c.log)
}

// NewQueue builds a delayed-task queue named name (spec.md §4.7 scheduler
// storage underlying C9's remote executor).
func (c *Client) NewQueue(name string) *script.Queue {
	return script.NewQueue(c.exec, name, c.log)
}

// NewWorker starts a remote-task executor worker over queue, polling every
// pollEvery and claiming up to claimLimit due tasks per poll (spec.md §4.9
// C9).
func (c *Client) NewWorker(queue *script.Queue, pollEvery time.Duration, claimLimit int) *executor.Worker {
	w := executor.NewWorker(queue, c.notify, pollEvery, claimLimit, c.log)
	w.SetMetrics(c.metrics)
	return w
}

// NewTaskClient builds a submission/result-await client over queue.
func (c *Client) NewTaskClient(queue *script.Queue) *executor.Client {
	return executor.NewClient(queue, c.notify, c.log)
}

// BeginTransaction starts a new C10 transaction (spec.md §4.9): staged
// per-key operations committed atomically via a batch.Batch, coordinated
// with local-cache coherence over the client's pubsub.Service.
func (c *Client) BeginTransaction(deadline time.Duration) (*transaction.Transaction, error) {
	lockFor := func(key string, lease time.Duration) *script.Lock {
		return script.NewLock(c.exec, c.notify, "txn:"+key, lease, c.log)
	}
	return transaction.New(c.exec, c.notify, lockFor, deadline, c.log)
}
