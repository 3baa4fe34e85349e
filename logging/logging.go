// File: logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package logging provides the runtime's named structured loggers. Records
// are emitted through the logiface façade with the stumpy JSON backend and
// buffered by a QueueWriter, so emitting a record never performs I/O inline.
//
// Every subsystem obtains its logger as logging.Named("system"); the minimum
// level is driven by the "log.level" configuration key.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/momentics/hioload-fiber/control"
)

var levelVar = control.Lookup[string]("log.level", "info", "minimum log level (trace..err)")

var state struct {
	mu     sync.Mutex
	sink   io.Writer
	writer *QueueWriter
	root   *logiface.Logger[logiface.Event]
	named  map[string]*logiface.Logger[logiface.Event]
}

func init() {
	levelVar.AddListener(func(oldLevel, newLevel string) {
		if oldLevel == newLevel {
			return
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		rebuildLocked(newLevel)
	})
}

// ParseLevel maps a configuration string to a logiface level. Unknown strings
// map to info.
func ParseLevel(s string) logiface.Level {
	switch s {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "info":
		return logiface.LevelInformational
	case "notice":
		return logiface.LevelNotice
	case "warn", "warning":
		return logiface.LevelWarning
	case "err", "error":
		return logiface.LevelError
	case "crit", "critical":
		return logiface.LevelCritical
	default:
		return logiface.LevelInformational
	}
}

// SetOutput redirects all loggers to out. Intended for tests and embedding
// applications; the default sink is stderr.
func SetOutput(out io.Writer) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.writer != nil {
		_ = state.writer.Close()
	}
	state.sink = out
	state.writer = nil
	state.root = nil
	state.named = nil
}

// Flush blocks until buffered records reach the sink.
func Flush() {
	state.mu.Lock()
	w := state.writer
	state.mu.Unlock()
	if w != nil {
		w.Flush()
	}
}

// Named returns the logger for the given subsystem name. Loggers are cached
// per name and rebuilt when the level changes.
func Named(name string) *logiface.Logger[logiface.Event] {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.root == nil {
		rebuildLocked(levelVar.Value())
	}
	if l, ok := state.named[name]; ok {
		return l
	}
	l := state.root.Clone().Field("logger", name).Logger()
	state.named[name] = l
	return l
}

// Root returns the unnamed root logger.
func Root() *logiface.Logger[logiface.Event] {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.root == nil {
		rebuildLocked(levelVar.Value())
	}
	return state.root
}

// rebuildLocked reconstructs the root logger against the current sink.
func rebuildLocked(level string) {
	if state.sink == nil {
		state.sink = os.Stderr
	}
	if state.writer == nil {
		state.writer = NewQueueWriter(state.sink)
	}
	l := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(state.writer)),
		stumpy.L.WithLevel(ParseLevel(level)),
	)
	state.root = l.Logger()
	state.named = make(map[string]*logiface.Logger[logiface.Event])
}
