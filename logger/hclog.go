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

package logger

import (
	"io"
	stdlog "log"

	"github.com/hashicorp/go-hclog"
)

const hclogArgsField = "hclog.args"

// AsHCLog adapts a Logger to the hclog.Logger interface some corpus
// dependencies (nats-server embedding, hashicorp-style libraries) expect of
// a logging sink passed into their constructors.
func AsHCLog(l Logger) hclog.Logger {
	return &hclogAdapter{l: l}
}

type hclogAdapter struct {
	l    Logger
	name string
}

func (h *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Off, hclog.NoLevel:
		return
	case hclog.Trace, hclog.Debug:
		h.Debug(msg, args...)
	case hclog.Info:
		h.Info(msg, args...)
	case hclog.Warn:
		h.Warn(msg, args...)
	case hclog.Error:
		h.Error(msg, args...)
	}
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.Debug(msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) {
	h.l.Debug(msg, Fields{}.Add(hclogArgsField, args))
}
func (h *hclogAdapter) Info(msg string, args ...interface{}) {
	h.l.Info(msg, Fields{}.Add(hclogArgsField, args))
}
func (h *hclogAdapter) Warn(msg string, args ...interface{}) {
	h.l.Warning(msg, Fields{}.Add(hclogArgsField, args))
}
func (h *hclogAdapter) Error(msg string, args ...interface{}) {
	h.l.Error(msg, Fields{}.Add(hclogArgsField, args))
}

func (h *hclogAdapter) IsTrace() bool { return h.l.GetLevel() >= DebugLevel }
func (h *hclogAdapter) IsDebug() bool { return h.l.GetLevel() >= DebugLevel }
func (h *hclogAdapter) IsInfo() bool  { return h.l.GetLevel() >= InfoLevel }
func (h *hclogAdapter) IsWarn() bool  { return h.l.GetLevel() >= WarnLevel }
func (h *hclogAdapter) IsError() bool { return h.l.GetLevel() >= ErrorLevel }

func (h *hclogAdapter) ImpliedArgs() []interface{} {
	if a, ok := h.l.GetFields()[hclogArgsField]; ok {
		if s, ok := a.([]interface{}); ok {
			return s
		}
	}
	return nil
}

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{l: h.l.WithFields(Fields{}.Add(hclogArgsField, args)), name: h.name}
}

func (h *hclogAdapter) Name() string { return h.name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	n := h.name
	if n != "" {
		n += "." + name
	} else {
		n = name
	}
	return &hclogAdapter{l: h.l, name: n}
}

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{l: h.l, name: name}
}

func (h *hclogAdapter) SetLevel(level hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level {
	switch h.l.GetLevel() {
	case DebugLevel:
		return hclog.Debug
	case InfoLevel:
		return hclog.Info
	case WarnLevel:
		return hclog.Warn
	case ErrorLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func (h *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(ioWriterAdapter{h.l}, "", 0)
}

func (h *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return ioWriterAdapter{h.l}
}

type ioWriterAdapter struct {
	l Logger
}

func (w ioWriterAdapter) Write(p []byte) (int, error) {
	w.l.Info(string(p), nil)
	return len(p), nil
}
