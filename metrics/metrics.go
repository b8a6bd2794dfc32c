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

// Package metrics exposes prometheus instrumentation for the pool,
// command executor and remote executor components: borrowed/idle
// connections per (endpoint, role), retry and redirect counts, and
// submitted/completed task counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the subset of pool.Pool a Recorder needs to report
// per-pool gauges; satisfied by *pool.Pool without metrics importing pool.
type PoolStats interface {
	IdleCount() int
	ActiveCount() int
}

// Recorder aggregates every metric this module exposes under one
// prometheus.Registry. The Observe methods may be called from any
// goroutine. RegisterPool appends to the pool list without a lock, so it is
// not synchronised with RefreshPools or with another RegisterPool call.
type Recorder struct {
	registry *prometheus.Registry

	commandRetries   prometheus.Counter
	commandRedirects prometheus.Counter
	commandDuration  prometheus.Histogram

	tasksClaimed   prometheus.Counter
	tasksSucceeded prometheus.Counter
	tasksFailed    prometheus.Counter
	taskDuration   *prometheus.HistogramVec

	poolIdle   *prometheus.GaugeVec
	poolActive *prometheus.GaugeVec

	pools []namedPool
}

type namedPool struct {
	label string
	stats PoolStats
}

// New creates a Recorder and registers its collectors with reg. If reg is
// nil, prometheus.NewRegistry() is used so a caller that does not want to
// share the default registry gets full isolation.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: reg,
		commandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goredisson",
			Subsystem: "command",
			Name:      "retries_total",
			Help:      "Number of command executions retried after a retryable error.",
		}),
		commandRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goredisson",
			Subsystem: "command",
			Name:      "redirects_total",
			Help:      "Number of MOVED/ASK redirects followed.",
		}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "goredisson",
			Subsystem: "command",
			Name:      "execute_seconds",
			Help:      "Time spent in Executor.Execute, including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goredisson",
			Subsystem: "executor",
			Name:      "tasks_claimed_total",
			Help:      "Number of scheduled-executor tasks claimed by this worker.",
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goredisson",
			Subsystem: "executor",
			Name:      "tasks_succeeded_total",
			Help:      "Number of tasks whose factory returned without error.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goredisson",
			Subsystem: "executor",
			Name:      "tasks_failed_total",
			Help:      "Number of tasks whose factory returned an error.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "goredisson",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Task execution time by factory id.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"factory"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goredisson",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle connections held by a (endpoint, role) pool.",
		}, []string{"pool"}),
		poolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goredisson",
			Subsystem: "pool",
			Name:      "active_connections",
			Help:      "Connections currently on loan from a (endpoint, role) pool.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		r.commandRetries, r.commandRedirects, r.commandDuration,
		r.tasksClaimed, r.tasksSucceeded, r.tasksFailed, r.taskDuration,
		r.poolIdle, r.poolActive,
	)
	return r
}

// Registry returns the underlying prometheus.Registry, e.g. to wire an
// HTTP /metrics handler via promhttp.HandlerFor.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveRetry is called by command.Executor each time a retryable error
// triggers another attempt.
func (r *Recorder) ObserveRetry() { r.commandRetries.Inc() }

// ObserveRedirect is called by command.Executor each time a MOVED/ASK
// reply is followed.
func (r *Recorder) ObserveRedirect() { r.commandRedirects.Inc() }

// ObserveExecuteDuration records the wall-clock time of one
// command.Executor.Execute call, retries included.
func (r *Recorder) ObserveExecuteDuration(d time.Duration) {
	r.commandDuration.Observe(d.Seconds())
}

// ObserveTaskClaimed is called by executor.Worker once per task popped
// off the scheduled queue.
func (r *Recorder) ObserveTaskClaimed() { r.tasksClaimed.Inc() }

// ObserveTaskResult is called by executor.Worker after a factory returns,
// recording its outcome and wall-clock duration under factoryID.
func (r *Recorder) ObserveTaskResult(factoryID string, ok bool, d time.Duration) {
	if ok {
		r.tasksSucceeded.Inc()
	} else {
		r.tasksFailed.Inc()
	}
	r.taskDuration.WithLabelValues(factoryID).Observe(d.Seconds())
}

// RegisterPool adds stats to the set of pools whose idle/active gauges are
// refreshed by RefreshPools, labeled with label (typically
// "endpoint:role").
func (r *Recorder) RegisterPool(label string, stats PoolStats) {
	r.pools = append(r.pools, namedPool{label: label, stats: stats})
}

// RefreshPools updates the idle/active gauges for every registered pool.
// It is cheap enough to call from a promhttp handler's BeforeWrite hook,
// or on a short ticker; this package does not start a background loop of
// its own, leaving that choice to the facade.
func (r *Recorder) RefreshPools() {
	for _, np := range r.pools {
		r.poolIdle.WithLabelValues(np.label).Set(float64(np.stats.IdleCount()))
		r.poolActive.WithLabelValues(np.label).Set(float64(np.stats.ActiveCount()))
	}
}
