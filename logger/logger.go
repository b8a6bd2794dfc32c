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

// Package logger wraps github.com/sirupsen/logrus with the level/fields
// surface this module's components log through, plus compatibility shims
// for the third-party libraries the corpus depends on (go-hclog, jww).
package logger

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every component in this module receives at
// construction. Background tasks (reconciliation, eviction per spec.md §7)
// log through this rather than failing the caller.
type Logger interface {
	SetLevel(lvl Level)
	GetLevel() Level

	SetFields(f Fields)
	GetFields() Fields

	Debug(msg string, fields Fields, args ...interface{})
	Info(msg string, fields Fields, args ...interface{})
	Warning(msg string, fields Fields, args ...interface{})
	Error(msg string, fields Fields, args ...interface{})

	// WithFields returns a child Logger that always merges the given fields
	// into every entry it logs, without mutating the receiver.
	WithFields(f Fields) Logger
}

type logImpl struct {
	mu  sync.RWMutex
	lvl atomic.Uint32
	ent *logrus.Entry
}

// New creates a Logger at level lvl, backed by a fresh logrus.Logger that
// writes to logrus' default output (stderr).
func New(lvl Level) Logger {
	l := logrus.New()
	l.SetLevel(lvl.logrus())

	li := &logImpl{ent: logrus.NewEntry(l)}
	li.lvl.Store(uint32(lvl))
	return li
}

func (l *logImpl) SetLevel(lvl Level) {
	l.lvl.Store(uint32(lvl))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ent.Logger.SetLevel(lvl.logrus())
}

func (l *logImpl) GetLevel() Level {
	return Level(l.lvl.Load())
}

func (l *logImpl) SetFields(f Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ent = l.ent.WithFields(f.logrus())
}

func (l *logImpl) GetFields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Fields(l.ent.Data)
}

func (l *logImpl) entry(f Fields) *logrus.Entry {
	l.mu.RLock()
	e := l.ent
	l.mu.RUnlock()

	if len(f) == 0 {
		return e
	}
	return e.WithFields(f.logrus())
}

func (l *logImpl) Debug(msg string, fields Fields, args ...interface{}) {
	l.entry(fields).Debugf(msg, args...)
}

func (l *logImpl) Info(msg string, fields Fields, args ...interface{}) {
	l.entry(fields).Infof(msg, args...)
}

func (l *logImpl) Warning(msg string, fields Fields, args ...interface{}) {
	l.entry(fields).Warnf(msg, args...)
}

func (l *logImpl) Error(msg string, fields Fields, args ...interface{}) {
	l.entry(fields).Errorf(msg, args...)
}

func (l *logImpl) WithFields(f Fields) Logger {
	l.mu.RLock()
	e := l.ent.WithFields(f.logrus())
	l.mu.RUnlock()

	child := &logImpl{ent: e}
	child.lvl.Store(l.lvl.Load())
	return child
}

// Discard is a Logger that drops every entry; useful as a default for
// components constructed without an explicit Logger.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return &logImpl{ent: logrus.NewEntry(l)}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
