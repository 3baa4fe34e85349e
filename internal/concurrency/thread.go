// File: internal/concurrency/thread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker thread wrapper. Each Thread runs its body on a dedicated goroutine
// locked to an OS thread. The constructor synchronizes with the new thread so
// the id is valid by the time NewThread returns.

package concurrency

import (
	"runtime"

	"github.com/momentics/hioload-fiber/internal/goid"
)

// Thread runs a single function on a locked OS thread.
type Thread struct {
	id   uint64
	name string
	fn   func()
	done chan struct{}
}

// NewThread starts the thread and blocks until it is running and has an id.
func NewThread(fn func(), name string) *Thread {
	if name == "" {
		name = "UNKNOWN"
	}
	t := &Thread{
		name: name,
		fn:   fn,
		done: make(chan struct{}),
	}
	started := NewSemaphore(0)
	go t.run(started)
	started.Wait()
	return t
}

// ID returns the worker's goroutine id.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the worker's name.
func (t *Thread) Name() string { return t.name }

// Join blocks until the thread body has returned.
func (t *Thread) Join() {
	<-t.done
}

func (t *Thread) run(started *Semaphore) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t.id = goid.Get()
	fn := t.fn
	t.fn = nil
	started.Notify()
	defer close(t.done)
	fn()
}
