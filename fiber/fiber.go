// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fiber implements the stackful coroutine primitive of the runtime.
//
// A Fiber owns a dedicated goroutine for its body; control transfers between
// the resuming goroutine and the fiber through an unbuffered channel
// handshake, so exactly one side runs at any moment. That handshake is the
// machine-level context swap of the design: Resume parks the caller until the
// fiber yields or terminates, Yield parks the fiber until the next Resume.
//
// Each participating goroutine carries a back-pointer to its current fiber;
// worker goroutines bind a degenerate "main" fiber that stands for their own
// native stack.
package fiber

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/internal/goid"
	"github.com/momentics/hioload-fiber/logging"
)

var stackSizeVar = control.Lookup[uint32]("fiber.stack_size", 128*1024, "fiber stack size")

var (
	nextID    atomic.Uint64
	liveCount atomic.Int64

	// current maps a goroutine id to the fiber executing on it.
	current sync.Map // map[uint64]*Fiber
)

// Fiber is a cooperatively scheduled coroutine.
type Fiber struct {
	id        uint64
	stackSize uint32
	state     atomic.Int32
	cb        func()

	// main marks the bookkeeping fiber that represents a worker goroutine's
	// own stack; it has no body and is always EXEC while bound.
	main bool

	// owner, hookEnabled and thread are written by the dispatching worker
	// before the resume handshake and read by the fiber after it; the
	// channel transfer orders those accesses.
	owner       any
	hookEnabled bool
	thread      int

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  bool
	// armed tracks whether the fiber currently holds a live-count unit: set
	// while a body is installed and not yet run to completion.
	armed bool
	gid   uint64
}

// New creates a fiber in INIT with the default stack reserve from the
// "fiber.stack_size" configuration key.
func New(cb func()) *Fiber {
	return NewWithStack(cb, 0)
}

// NewWithStack creates a fiber with an explicit stack reserve. The reserve is
// advisory: goroutine stacks grow on demand, the value is only carried for
// introspection through StackSize.
func NewWithStack(cb func(), stackSize uint32) *Fiber {
	if cb == nil {
		panic("fiber: nil body")
	}
	if stackSize == 0 {
		stackSize = stackSizeVar.Value()
	}
	f := &Fiber{
		id:        nextID.Add(1),
		stackSize: stackSize,
		cb:        cb,
		thread:    -1,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
		armed:     true,
	}
	f.state.Store(int32(StateInit))
	liveCount.Add(1)
	logging.Named("system").Debug().Uint64("fiber_id", f.id).Log("fiber created")
	return f
}

// newMain creates the degenerate fiber standing for the calling goroutine's
// own stack. Main fibers have id 0, no body, and are EXEC for their whole
// bound lifetime.
func newMain() *Fiber {
	f := &Fiber{main: true, thread: -1}
	f.state.Store(int32(StateExec))
	liveCount.Add(1)
	logging.Named("system").Debug().Log("main fiber created")
	return f
}

// BindMain returns the calling goroutine's main fiber, creating and
// registering it on first use. Worker goroutines call this on entry.
func BindMain() *Fiber {
	gid := goid.Get()
	if v, ok := current.Load(gid); ok {
		return v.(*Fiber)
	}
	f := newMain()
	f.gid = gid
	current.Store(gid, f)
	return f
}

// ReleaseMain drops the calling goroutine's main-fiber binding. Worker
// goroutines call this on exit; Go has no thread-local destructors, so the
// release is explicit.
func ReleaseMain() {
	gid := goid.Get()
	if v, ok := current.Load(gid); ok && v.(*Fiber).main {
		current.Delete(gid)
		liveCount.Add(-1)
	}
}

// Current returns the fiber bound to the calling goroutine, or nil.
func Current() *Fiber {
	if v, ok := current.Load(goid.Get()); ok {
		return v.(*Fiber)
	}
	return nil
}

// CurrentID returns the running fiber's id, or 0 when called outside a fiber
// (main fibers also report 0).
func CurrentID() uint64 {
	if f := Current(); f != nil {
		return f.id
	}
	return 0
}

// LiveCount returns the number of fibers that are armed or running,
// main-fiber bindings included.
func LiveCount() int64 {
	return liveCount.Load()
}

// ID returns the fiber id (0 for main fibers).
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// IsMain reports whether this is a worker goroutine's main fiber.
func (f *Fiber) IsMain() bool { return f.main }

// StackSize returns the advisory stack reserve.
func (f *Fiber) StackSize() uint32 { return f.stackSize }

// Owner returns the scheduler-side owner installed by Bind.
func (f *Fiber) Owner() any { return f.owner }

// HookEnabled reports whether the blocking-call façade is active for this
// fiber's execution context.
func (f *Fiber) HookEnabled() bool { return f.hookEnabled }

// SetHookEnabled toggles the façade for this fiber.
func (f *Fiber) SetHookEnabled(on bool) { f.hookEnabled = on }

// Thread returns the logical worker id that last dispatched the fiber, -1 if
// never dispatched.
func (f *Fiber) Thread() int { return f.thread }

// Bind installs the dispatch context before a resume: the owning scheduler,
// the façade flag inherited from the worker, and the worker's logical id.
func (f *Fiber) Bind(owner any, hookEnabled bool, thread int) {
	f.owner = owner
	f.hookEnabled = hookEnabled
	f.thread = thread
}

// Resume transfers control to the fiber until it yields or terminates.
// Resuming an EXEC fiber or a main fiber is a programming error.
func (f *Fiber) Resume() {
	if f.main {
		panic("fiber: resume of a main fiber")
	}
	if st := f.State(); st == StateExec {
		panic(fmt.Sprintf("fiber: resume of executing fiber id=%d", f.id))
	}
	f.state.Store(int32(StateExec))
	if !f.started {
		f.started = true
		go f.trampoline()
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// Call is the root-fiber entry used by a use-caller scheduler's stop path: it
// drives the fiber from the constructing goroutine instead of a worker. The
// transfer mechanics are identical to Resume; control returns here when the
// fiber yields or terminates.
func (f *Fiber) Call() {
	f.Resume()
}

// Reset re-arms a fiber with a new body, reusing its identity and channels.
// Only INIT, TERM and EXCEPT fibers may be reset.
func (f *Fiber) Reset(cb func()) {
	if f.main {
		panic("fiber: reset of a main fiber")
	}
	st := f.State()
	if st != StateInit && st != StateTerm && st != StateExcept {
		panic(fmt.Sprintf("fiber: reset in state %s", st))
	}
	f.cb = cb
	f.state.Store(int32(StateInit))
	if cb != nil && !f.armed {
		f.armed = true
		liveCount.Add(1)
	} else if cb == nil && f.armed {
		f.armed = false
		liveCount.Add(-1)
	}
}

// ForceHold marks a fiber HOLD after it swapped out without choosing a state.
// Only the dispatching worker may call it, between the fiber's yield and its
// next resume.
func (f *Fiber) ForceHold() {
	f.state.Store(int32(StateHold))
}

// YieldReady suspends the current fiber, marking it READY so the scheduler
// requeues it immediately.
func YieldReady() {
	yield(StateReady)
}

// YieldHold suspends the current fiber, marking it HOLD; something else must
// schedule it again.
func YieldHold() {
	yield(StateHold)
}

func yield(next State) {
	f := Current()
	if f == nil || f.main {
		panic("fiber: yield outside a fiber")
	}
	if f.State() != StateExec {
		panic(fmt.Sprintf("fiber: yield in state %s", f.State()))
	}
	f.state.Store(int32(next))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// trampoline runs on the fiber's goroutine: it registers the goroutine
// binding, waits for the first resume, executes the body with panic
// containment, and hands control back one final time.
func (f *Fiber) trampoline() {
	gid := goid.Get()
	f.gid = gid
	current.Store(gid, f)
	defer current.Delete(gid)

	<-f.resumeCh
	f.invoke()

	// The writes to started and armed are ordered before the resumer's
	// return from Resume by the final handshake, so a subsequent
	// Reset+Resume spawns a fresh trampoline without racing this one.
	f.started = false
	f.armed = false
	liveCount.Add(-1)
	f.yieldCh <- struct{}{}
}

func (f *Fiber) invoke() {
	defer func() {
		if r := recover(); r != nil {
			f.state.Store(int32(StateExcept))
			logging.Named("system").Err().
				Uint64("fiber_id", f.id).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Log("fiber body panicked")
		}
	}()
	cb := f.cb
	cb()
	f.cb = nil
	f.state.Store(int32(StateTerm))
}
