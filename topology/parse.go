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
	"strconv"
	"strings"

	"github.com/nabbar/goredisson/conn"
)

// ParseClusterSlots parses a CLUSTER SLOTS-style bulk reply body, one shard
// per line: "<start> <end> <masterHost>:<masterPort> <replicaHost>:<replicaPort> ...".
// The wire format is line-oriented to keep this parser independent of the
// array-reply decoding already handled by the wire package.
func ParseClusterSlots(body string) ([]ClusterShard, error) {
	var shards []ClusterShard

	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, &ParseError{Line: line}
		}

		start, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, &ParseError{Line: line}
		}
		end, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, &ParseError{Line: line}
		}

		master, err := parseHostPort(fields[2])
		if err != nil {
			return nil, &ParseError{Line: line}
		}

		var replicas []conn.Endpoint
		for _, f := range fields[3:] {
			ep, err := parseHostPort(f)
			if err != nil {
				return nil, &ParseError{Line: line}
			}
			replicas = append(replicas, ep)
		}

		shards = append(shards, ClusterShard{
			SlotStart: start,
			SlotEnd:   end,
			Master:    master,
			Replicas:  replicas,
		})
	}

	return shards, nil
}

func parseHostPort(s string) (conn.Endpoint, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return conn.Endpoint{}, &ParseError{Line: s}
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return conn.Endpoint{}, &ParseError{Line: s}
	}
	return conn.Endpoint{Host: s[:i], Port: port}, nil
}

// ParseError reports a malformed CLUSTER SLOTS line.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return "topology: malformed cluster-slots line: " + e.Line
}
