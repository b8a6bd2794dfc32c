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

// Package eviction implements C8 (spec.md §4.7): the local periodic-job
// scheduler that drives server-side eviction (map-cache TTL/idle, set/
// time-series expiry, delayed-queue promotion, executor queue transfer,
// lock-watchdog refresh) without requiring a cron daemon on the server.
package eviction

import (
	"context"
	"sync"
	"time"

	"github.com/nabbar/goredisson/logger"
)

// Job is one idempotent unit of periodic work. Run is called on every tick
// and must be safe to call concurrently with itself only if the caller
// schedules it that way — the Scheduler runs jobs sequentially per ticker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a plain function to Job.
type JobFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (f JobFunc) Name() string                 { return f.Label }
func (f JobFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// Scheduler runs a fixed set of Jobs on independent tickers (spec.md §4.7:
// "each eviction concern runs on its own period").
type Scheduler struct {
	log logger.Logger

	mu      sync.Mutex
	entries []*scheduled
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type scheduled struct {
	job      Job
	interval time.Duration
}

// New creates an empty Scheduler.
func New(log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{log: log}
}

// Register adds job to run every interval once Start is called. Calling
// Register after Start has no effect on already-running tickers.
func (s *Scheduler) Register(job Job, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &scheduled{job: job, interval: interval})
}

// Start launches one goroutine per registered Job, each on its own ticker.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, e := range s.entries {
		e := e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(runCtx, e)
		}()
	}
}

func (s *Scheduler) runLoop(ctx context.Context, e *scheduled) {
	t := time.NewTicker(e.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.job.Run(ctx); err != nil {
				s.log.Warning("eviction job %s failed: %v", nil, e.job.Name(), err)
			}
		}
	}
}

// Stop cancels every running job loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
