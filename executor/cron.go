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

package executor

import (
	"strconv"
	"strings"
	"time"
)

// cronField is a parsed "*", "N", "N-M" or "*/N" standard-cron field.
type cronField struct {
	any    bool
	values map[int]bool
}

func parseCronField(raw string, min, max int) (cronField, bool) {
	if raw == "*" {
		return cronField{any: true}, true
	}

	f := cronField{values: make(map[int]bool)}

	if strings.HasPrefix(raw, "*/") {
		step, err := strconv.Atoi(raw[2:])
		if err != nil || step <= 0 {
			return f, false
		}
		for v := min; v <= max; v += step {
			f.values[v] = true
		}
		return f, true
	}

	for _, part := range strings.Split(raw, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			lv, err1 := strconv.Atoi(lo)
			hv, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || lv > hv {
				return f, false
			}
			for v := lv; v <= hv; v++ {
				f.values[v] = true
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < min || v > max {
			return f, false
		}
		f.values[v] = true
	}
	return f, true
}

func (f cronField) matches(v int) bool {
	return f.any || f.values[v]
}

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (cronSchedule, bool) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, false
	}
	var cs cronSchedule
	var ok bool
	if cs.minute, ok = parseCronField(fields[0], 0, 59); !ok {
		return cs, false
	}
	if cs.hour, ok = parseCronField(fields[1], 0, 23); !ok {
		return cs, false
	}
	if cs.dom, ok = parseCronField(fields[2], 1, 31); !ok {
		return cs, false
	}
	if cs.month, ok = parseCronField(fields[3], 1, 12); !ok {
		return cs, false
	}
	if cs.dow, ok = parseCronField(fields[4], 0, 6); !ok {
		return cs, false
	}
	return cs, true
}

// nextCron returns the first minute-aligned instant strictly after from
// that satisfies expr, scanning at most two years ahead. There is no cron
// parser among the example dependencies (see DESIGN.md); this implements
// the standard five-field minute/hour/dom/month/dow grammar directly.
func nextCron(expr string, from time.Time) (time.Time, bool) {
	cs, ok := parseCron(expr)
	if !ok {
		return time.Time{}, false
	}

	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(2, 0, 0)

	for t.Before(limit) {
		if cs.month.matches(int(t.Month())) &&
			cs.dom.matches(t.Day()) &&
			cs.dow.matches(int(t.Weekday())) &&
			cs.hour.matches(t.Hour()) &&
			cs.minute.matches(t.Minute()) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}
