// File: hookio/hook.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package hookio is the blocking-call façade of the runtime. Symbol
// interposition is unavailable in Go, so applications call these functions in
// place of the raw syscalls; the semantics are identical to an interposed
// libc surface. On a managed socket a call that would block arms a readiness
// event, optionally a timeout timer, and parks the calling fiber; the worker
// is free to run other fibers until the reactor wakes this one.
//
// The façade is active only inside scheduler workers: every fiber a worker
// dispatches carries a hook-enabled flag, and calls from other goroutines
// fall through to the plain syscalls.
package hookio

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fdmanager"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/logging"
	"github.com/momentics/hioload-fiber/timer"
)

var connectTimeoutVar = control.Lookup[int]("tcp.connect.timeout", 5000, "tcp connect timeout")

// connectTimeoutMS caches the config value; the listener observes the prior
// value and the incoming one before the registry commits.
var connectTimeoutMS atomic.Int64

func init() {
	connectTimeoutMS.Store(int64(connectTimeoutVar.Value()))
	connectTimeoutVar.AddListener(func(oldMS, newMS int) {
		logging.Named("system").Info().
			Int("old", oldMS).
			Int("new", newMS).
			Log("tcp connect timeout changed")
		connectTimeoutMS.Store(int64(newMS))
	})
}

// Enabled reports whether the façade is active for the calling execution
// context.
func Enabled() bool {
	f := fiber.Current()
	return f != nil && f.HookEnabled()
}

// SetEnabled toggles the façade for the current fiber. Scheduler workers
// enable it automatically; tests and embedders may opt out.
func SetEnabled(on bool) {
	if f := fiber.Current(); f != nil {
		f.SetHookEnabled(on)
	}
}

// timerInfo is the cancellation flag shared between a parked call and its
// timeout timer. The timer stores the errno atomically before it calls
// CancelEvent; the resumed fiber loads it after the handshake.
type timerInfo struct {
	cancelled atomic.Int32
}

// doIO is the generic retry template for read-like and write-like calls.
func doIO(fd int, name string, ev iomanager.Event, timeoutKind int, fn func() (int, error)) (int, error) {
	if !Enabled() {
		return fn()
	}
	ctx := fdmanager.Get(fd, false)
	if ctx == nil {
		return fn()
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return fn()
	}

	to := ctx.Timeout(timeoutKind)
	tinfo := &timerInfo{}

	for {
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		iom := iomanager.GetThis()
		if iom == nil {
			return n, err
		}

		var t *timer.Timer
		if to != fdmanager.NoTimeout {
			t = timer.AddConditionTimer(iom.Timers(), uint64(to), tinfo, func(ti *timerInfo) {
				if ti.cancelled.Load() != 0 {
					return
				}
				ti.cancelled.Store(int32(unix.ETIMEDOUT))
				iom.CancelEvent(fd, ev)
			}, false)
		}

		if addErr := iom.AddEvent(fd, ev, nil); addErr != nil {
			logging.Named("system").Err().
				Str("op", name).
				Int("fd", fd).
				Err(addErr).
				Log("addEvent failed")
			if t != nil {
				t.Cancel()
			}
			return -1, addErr
		}

		fiber.YieldHold()

		if t != nil {
			t.Cancel()
		}
		if c := tinfo.cancelled.Load(); c != 0 {
			return -1, unix.Errno(c)
		}
		// Readiness fired: retry the syscall.
	}
}
