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
	"strings"

	"github.com/hashicorp/go-version"
)

// shardsMinVersion is the first Redis release exposing the CLUSTER SHARDS
// command; clusters below it only answer CLUSTER SLOTS (spec.md §4.2
// "cluster mode" discovery).
var shardsMinVersion = version.Must(version.NewVersion("7.0.0"))

// ParseServerVersion extracts the redis_version field from an INFO server
// reply body ("key:value" lines, one field per line, per the INFO command's
// documented format).
func ParseServerVersion(info string) (*version.Version, error) {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), "\r")
		if v, ok := strings.CutPrefix(line, "redis_version:"); ok {
			return version.NewVersion(v)
		}
	}
	return nil, &ParseError{Line: "redis_version not present in INFO reply"}
}

// SetServerVersion records the version discovered from INFO during connect,
// consulted by DiscoveryCommand to pick the right topology-discovery
// command for what this server actually supports.
func (m *Manager) SetServerVersion(v *version.Version) {
	m.mu.Lock()
	m.serverVersion = v
	m.mu.Unlock()
}

// ServerVersion returns the version recorded by SetServerVersion, or nil if
// none was ever discovered (e.g. the INFO call failed or was never made).
func (m *Manager) ServerVersion() *version.Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverVersion
}

// DiscoveryCommand reports which command a caller should issue to
// (re)discover cluster topology for Rescan: "CLUSTER SHARDS" once the
// connected server is new enough to support it, falling back to the legacy
// "CLUSTER SLOTS" when the version is older or was never discovered.
func (m *Manager) DiscoveryCommand() string {
	m.mu.RLock()
	v := m.serverVersion
	m.mu.RUnlock()

	if v != nil && v.GreaterThanOrEqual(shardsMinVersion) {
		return "CLUSTER SHARDS"
	}
	return "CLUSTER SLOTS"
}
