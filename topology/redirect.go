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

// Redirect is a parsed MOVED/ASK error (spec.md §4.2/§7).
type Redirect struct {
	Ask    bool
	Slot   int
	Target conn.Endpoint
}

// ParseRedirect recognizes "MOVED <slot> <host>:<port>" and
// "ASK <slot> <host>:<port>" server-error bodies. The second return value
// is false for any other error body.
func ParseRedirect(body string) (Redirect, bool) {
	fields := strings.Fields(body)
	if len(fields) != 3 {
		return Redirect{}, false
	}

	var ask bool
	switch fields[0] {
	case "MOVED":
		ask = false
	case "ASK":
		ask = true
	default:
		return Redirect{}, false
	}

	slot, err := strconv.Atoi(fields[1])
	if err != nil {
		return Redirect{}, false
	}

	ep, err := parseHostPort(fields[2])
	if err != nil {
		return Redirect{}, false
	}

	return Redirect{Ask: ask, Slot: slot, Target: ep}, true
}
