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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/goredisson/config"
)

var _ = Describe("Load", func() {
	Context("with no config file", func() {
		It("returns validated defaults", func() {
			opt, err := config.Load("")
			Expect(err).ToNot(HaveOccurred())
			Expect(opt.Topology.Mode).To(Equal("single"))
			Expect(opt.Connection.ConnectionPoolSize).To(Equal(64))
			Expect(opt.Batch.ExecutionMode).To(Equal("pipelined"))
		})
	})

	Context("with a YAML config file", func() {
		var path string

		BeforeEach(func() {
			dir := GinkgoT().TempDir()
			path = filepath.Join(dir, "goredisson.yaml")
			content := []byte(`
connection:
  connectTimeout: 15s
  connectionPoolSize: 128
topology:
  mode: cluster
  readMode: replica
batch:
  executionMode: atomic
  syncReplicas: 2
`)
			Expect(os.WriteFile(path, content, 0o600)).To(Succeed())
		})

		It("overlays file values onto the defaults", func() {
			opt, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(opt.Connection.ConnectTimeout).To(Equal(15 * time.Second))
			Expect(opt.Connection.ConnectionPoolSize).To(Equal(128))
			Expect(opt.Topology.Mode).To(Equal("cluster"))
			Expect(opt.Topology.ReadMode).To(Equal("replica"))
			Expect(opt.Batch.ExecutionMode).To(Equal("atomic"))
			Expect(opt.Batch.SyncReplicas).To(Equal(2))

			// unspecified keys keep their defaults
			Expect(opt.Executor.TaskTimeout).To(Equal(30 * time.Second))
		})
	})

	Context("with an environment override", func() {
		BeforeEach(func() {
			Expect(os.Setenv("GOREDISSON_TOPOLOGY_MODE", "sentinel")).To(Succeed())
			DeferCleanup(func() {
				Expect(os.Unsetenv("GOREDISSON_TOPOLOGY_MODE")).To(Succeed())
			})
		})

		It("takes precedence over the defaults", func() {
			opt, err := config.Load("")
			Expect(err).ToNot(HaveOccurred())
			Expect(opt.Topology.Mode).To(Equal("sentinel"))
		})
	})

	Context("with an invalid topology mode", func() {
		BeforeEach(func() {
			Expect(os.Setenv("GOREDISSON_TOPOLOGY_MODE", "bogus")).To(Succeed())
			DeferCleanup(func() {
				Expect(os.Unsetenv("GOREDISSON_TOPOLOGY_MODE")).To(Succeed())
			})
		})

		It("fails validation", func() {
			_, err := config.Load("")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("with a missing config file path", func() {
		It("returns an error instead of silently falling back to defaults", func() {
			_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
			Expect(err).To(HaveOccurred())
		})
	})
})
