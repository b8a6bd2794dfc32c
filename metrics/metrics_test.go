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

package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"

	"github.com/nabbar/goredisson/metrics"
)

type fakePoolStats struct {
	idle, active int
}

func (f fakePoolStats) IdleCount() int   { return f.idle }
func (f fakePoolStats) ActiveCount() int { return f.active }

func counterValue(m *metrics.Recorder, name string) float64 {
	fams, err := m.Registry().Gather()
	Expect(err).ToNot(HaveOccurred())
	for _, fam := range fams {
		if fam.GetName() == name {
			var total float64
			for _, metric := range fam.GetMetric() {
				total += metricValue(metric)
			}
			return total
		}
	}
	return 0
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

var _ = Describe("Recorder", func() {
	var rec *metrics.Recorder

	BeforeEach(func() {
		rec = metrics.New(nil)
	})

	It("counts command retries", func() {
		rec.ObserveRetry()
		rec.ObserveRetry()
		Expect(counterValue(rec, "goredisson_command_retries_total")).To(Equal(2.0))
	})

	It("counts command redirects", func() {
		rec.ObserveRedirect()
		Expect(counterValue(rec, "goredisson_command_redirects_total")).To(Equal(1.0))
	})

	It("records execute duration observations", func() {
		rec.ObserveExecuteDuration(5 * time.Millisecond)
		Expect(counterValue(rec, "goredisson_command_execute_seconds")).To(Equal(1.0))
	})

	It("splits task outcomes into succeeded and failed", func() {
		rec.ObserveTaskClaimed()
		rec.ObserveTaskResult("send-email", true, time.Millisecond)
		rec.ObserveTaskClaimed()
		rec.ObserveTaskResult("send-email", false, time.Millisecond)

		Expect(counterValue(rec, "goredisson_executor_tasks_claimed_total")).To(Equal(2.0))
		Expect(counterValue(rec, "goredisson_executor_tasks_succeeded_total")).To(Equal(1.0))
		Expect(counterValue(rec, "goredisson_executor_tasks_failed_total")).To(Equal(1.0))
	})

	It("refreshes pool gauges from registered PoolStats", func() {
		rec.RegisterPool("127.0.0.1:6379:write", fakePoolStats{idle: 3, active: 2})
		rec.RefreshPools()

		Expect(counterValue(rec, "goredisson_pool_idle_connections")).To(Equal(3.0))
		Expect(counterValue(rec, "goredisson_pool_active_connections")).To(Equal(2.0))
	})
})
