// File: iomanager/fdcontext.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package iomanager

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

// Event is a readiness direction bitset, using the epoll bit values.
type Event uint32

const (
	// EventNone means no direction armed.
	EventNone Event = 0
	// EventRead is read readiness (EPOLLIN).
	EventRead Event = unix.EPOLLIN
	// EventWrite is write readiness (EPOLLOUT).
	EventWrite Event = unix.EPOLLOUT
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	default:
		return fmt.Sprintf("Event(%#x)", uint32(e))
	}
}

// eventContext is the parked continuation for one direction: the scheduler to
// requeue into and either a fiber or a closure.
type eventContext struct {
	sched *scheduler.Scheduler
	f     *fiber.Fiber
	cb    func()
}

func (c *eventContext) reset() {
	c.sched = nil
	c.f = nil
	c.cb = nil
}

// fdContext is the armed-event state of one descriptor. The per-fd mutex
// guards the mask and both direction contexts.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

// getContext returns the direction slot for a single-bit event.
func (fc *fdContext) getContext(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &fc.read
	case EventWrite:
		return &fc.write
	}
	panic(fmt.Sprintf("iomanager: getContext with event %s", ev))
}

// triggerEvent requeues the direction's continuation. The armed bit is
// cleared before the handoff, so a handler re-arming the same direction from
// inside its continuation observes an empty mask. Caller holds fc.mu.
func (fc *fdContext) triggerEvent(ev Event) {
	if fc.events&ev == 0 {
		panic(fmt.Sprintf("iomanager: trigger of unarmed event %s on fd %d", ev, fc.fd))
	}
	fc.events &^= ev

	ctx := fc.getContext(ev)
	if ctx.cb != nil {
		ctx.sched.Schedule(ctx.cb, -1)
	} else {
		ctx.sched.ScheduleFiber(ctx.f, -1)
	}
	ctx.reset()
}
