// File: iomanager/iomanager.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package iomanager couples the scheduler to a single-reactor epoll event
// loop with integrated timers. Each worker that runs out of tasks parks its
// idle fiber inside epoll_wait, gated by the earliest timer deadline; fd
// readiness and timer expiry requeue the suspended fibers.
//
// A non-blocking wake pipe is registered edge-triggered with the epoll set;
// Tickle writes one byte to interrupt a wait when new work or an earlier
// deadline arrives.
package iomanager

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/logging"
	"github.com/momentics/hioload-fiber/pool"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

const (
	// maxTimeoutMS caps a single epoll_wait even with no timers pending.
	maxTimeoutMS = 3000
	// maxEvents caps how many readiness events one wait processes.
	maxEvents = 256
)

// IOManager extends the scheduler with the epoll reactor and the timer set.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	epfd      int
	tickleFds [2]int

	pendingEvents atomic.Int64

	mu         sync.RWMutex
	fdContexts []*fdContext

	cbBatches *pool.CallbackBatch
}

var _ scheduler.Overrides = (*IOManager)(nil)

// New creates and starts an I/O manager with the given worker pool shape.
func New(threads int, useCaller bool, name string) (*IOManager, error) {
	iom := &IOManager{
		cbBatches: pool.NewCallbackBatch(64),
	}
	iom.Manager = timer.NewManager(timer.WithInsertAtFrontFunc(iom.onTimerInsertedAtFront))
	iom.Scheduler = scheduler.New(threads, useCaller, name,
		scheduler.WithOwner(iom),
		scheduler.WithOverrides(iom),
	)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	iom.epfd = epfd

	if err := unix.Pipe2(iom.tickleFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(iom.tickleFds[0]),
	}
	if err := unix.EpollCtl(iom.epfd, unix.EPOLL_CTL_ADD, iom.tickleFds[0], &ev); err != nil {
		unix.Close(iom.tickleFds[0])
		unix.Close(iom.tickleFds[1])
		unix.Close(epfd)
		return nil, err
	}

	iom.mu.Lock()
	iom.contextResizeLocked(32)
	iom.mu.Unlock()

	iom.Start()
	return iom, nil
}

// GetThis returns the I/O manager owning the calling execution context, nil
// outside of one.
func GetThis() *IOManager {
	f := fiber.Current()
	if f == nil {
		return nil
	}
	if iom, ok := f.Owner().(*IOManager); ok {
		return iom
	}
	return nil
}

// Timers exposes the timer set for the condition-timer helpers.
func (iom *IOManager) Timers() *timer.Manager { return iom.Manager }

// PendingEventCount returns the number of armed, not-yet-fired events.
func (iom *IOManager) PendingEventCount() int64 { return iom.pendingEvents.Load() }

// Stop drains the scheduler and releases the epoll and wake-pipe descriptors.
func (iom *IOManager) Stop() {
	iom.Scheduler.Stop()
	unix.Close(iom.epfd)
	unix.Close(iom.tickleFds[0])
	unix.Close(iom.tickleFds[1])
}

// contextResizeLocked grows the context table, preserving existing entries.
func (iom *IOManager) contextResizeLocked(size int) {
	if size <= len(iom.fdContexts) {
		return
	}
	grown := make([]*fdContext, size)
	copy(grown, iom.fdContexts)
	for i := len(iom.fdContexts); i < size; i++ {
		grown[i] = &fdContext{fd: i}
	}
	iom.fdContexts = grown
}

// context returns the entry for fd, growing the table by half on overflow.
func (iom *IOManager) context(fd int) *fdContext {
	iom.mu.RLock()
	if fd < len(iom.fdContexts) {
		fc := iom.fdContexts[fd]
		iom.mu.RUnlock()
		return fc
	}
	iom.mu.RUnlock()

	iom.mu.Lock()
	iom.contextResizeLocked(fd*3/2 + 1)
	fc := iom.fdContexts[fd]
	iom.mu.Unlock()
	return fc
}

// lookup returns the entry for fd without growing, nil if out of range.
func (iom *IOManager) lookup(fd int) *fdContext {
	iom.mu.RLock()
	defer iom.mu.RUnlock()
	if fd < 0 || fd >= len(iom.fdContexts) {
		return nil
	}
	return iom.fdContexts[fd]
}

// AddEvent arms one readiness direction on fd. With a nil callback the
// current fiber is parked and requeued on readiness; arming an already-armed
// direction is a programming error.
func (iom *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	fc := iom.context(fd)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev != 0 {
		logging.Named("system").Err().
			Int("fd", fd).
			Stringer("event", ev).
			Stringer("armed", fc.events).
			Log("addEvent: direction already armed")
		panic("iomanager: duplicate event registration")
	}

	op := unix.EPOLL_CTL_MOD
	if fc.events == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	epev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(fc.events) | uint32(ev),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(iom.epfd, op, fd, &epev); err != nil {
		logging.Named("system").Err().
			Int("fd", fd).
			Stringer("event", ev).
			Err(err).
			Log("epoll_ctl failed")
		return err
	}

	iom.pendingEvents.Add(1)
	fc.events |= ev

	ctx := fc.getContext(ev)
	ctx.sched = scheduler.GetThis()
	if ctx.sched == nil {
		ctx.sched = iom.Scheduler
	}
	if cb != nil {
		ctx.cb = cb
	} else {
		f := fiber.Current()
		if f == nil || f.State() != fiber.StateExec {
			panic("iomanager: AddEvent without callback requires an executing fiber")
		}
		ctx.f = f
	}
	return nil
}

// DelEvent disarms one direction and discards its continuation.
func (iom *IOManager) DelEvent(fd int, ev Event) bool {
	fc := iom.lookup(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	if !iom.rearm(fc, left) {
		return false
	}
	iom.pendingEvents.Add(-1)
	fc.events = left
	fc.getContext(ev).reset()
	return true
}

// CancelEvent disarms one direction and fires its continuation, used by
// timeout paths to wake the parked fiber with the event unfulfilled.
func (iom *IOManager) CancelEvent(fd int, ev Event) bool {
	fc := iom.lookup(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	if !iom.rearm(fc, left) {
		return false
	}
	fc.triggerEvent(ev)
	iom.pendingEvents.Add(-1)
	return true
}

// CancelAll disarms every direction on fd, firing each continuation.
func (iom *IOManager) CancelAll(fd int) bool {
	fc := iom.lookup(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events == EventNone {
		return false
	}

	epev := unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(iom.epfd, unix.EPOLL_CTL_DEL, fd, &epev); err != nil {
		logging.Named("system").Err().Int("fd", fd).Err(err).Log("epoll_ctl del failed")
		return false
	}

	if fc.events&EventRead != 0 {
		fc.triggerEvent(EventRead)
		iom.pendingEvents.Add(-1)
	}
	if fc.events&EventWrite != 0 {
		fc.triggerEvent(EventWrite)
		iom.pendingEvents.Add(-1)
	}
	return fc.events == EventNone
}

// rearm updates the kernel mask to left, dropping the fd when empty. Caller
// holds fc.mu.
func (iom *IOManager) rearm(fc *fdContext, left Event) bool {
	op := unix.EPOLL_CTL_MOD
	if left == EventNone {
		op = unix.EPOLL_CTL_DEL
	}
	epev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(left),
		Fd:     int32(fc.fd),
	}
	if err := unix.EpollCtl(iom.epfd, op, fc.fd, &epev); err != nil {
		logging.Named("system").Err().
			Int("fd", fc.fd).
			Stringer("left", left).
			Err(err).
			Log("epoll_ctl failed")
		return false
	}
	return true
}

// onTimerInsertedAtFront wakes a waiting reactor so the shorter deadline is
// observed.
func (iom *IOManager) onTimerInsertedAtFront() {
	iom.Tickle()
}

// Tickle implements scheduler.Overrides: one byte through the wake pipe. A
// full pipe means a wake-up is already pending, so EAGAIN is ignored.
func (iom *IOManager) Tickle() {
	if !iom.HasIdleThreads() {
		return
	}
	_, err := unix.Write(iom.tickleFds[1], []byte{'T'})
	if err != nil && err != unix.EAGAIN {
		logging.Named("system").Err().Err(err).Log("tickle write failed")
	}
}

// Stopping implements scheduler.Overrides: the base predicate plus no armed
// events and no pending timers.
func (iom *IOManager) Stopping() bool {
	_, stop := iom.stoppingWithTimeout()
	return stop
}

func (iom *IOManager) stoppingWithTimeout() (uint64, bool) {
	nextTimeout := iom.Manager.NextTimer()
	return nextTimeout, nextTimeout == timer.NoTimer &&
		iom.pendingEvents.Load() == 0 &&
		iom.Scheduler.StoppingDefault()
}

// Idle implements scheduler.Overrides: the reactor loop. Runs inside each
// worker's idle fiber.
func (iom *IOManager) Idle(thread int) {
	log := logging.Named("system")
	log.Debug().Str("name", iom.Name()).Int("thread", thread).Log("idle")

	events := make([]unix.EpollEvent, maxEvents)
	for {
		nextTimeout, stop := iom.stoppingWithTimeout()
		if stop {
			log.Info().Str("name", iom.Name()).Log("idle stopping exit")
			break
		}

		var n int
		for {
			timeout := maxTimeoutMS
			if nextTimeout != timer.NoTimer && nextTimeout < maxTimeoutMS {
				timeout = int(nextTimeout)
			}
			var err error
			n, err = unix.EpollWait(iom.epfd, events, timeout)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				log.Err().Err(err).Log("epoll_wait failed")
				n = 0
			}
			break
		}

		// Timer expiries are requeued before this iteration's I/O batch.
		cbs := iom.cbBatches.Get()
		cbs = iom.Manager.ListExpired(cbs)
		if len(cbs) > 0 {
			iom.ScheduleBatch(cbs)
		}
		iom.cbBatches.Put(cbs)

		for i := 0; i < n; i++ {
			ev := &events[i]
			if int(ev.Fd) == iom.tickleFds[0] {
				iom.drainTickle()
				continue
			}

			fc := iom.lookup(int(ev.Fd))
			if fc == nil {
				continue
			}

			fc.mu.Lock()
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev.Events |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(fc.events)
			}
			var real Event
			if ev.Events&unix.EPOLLIN != 0 {
				real |= EventRead
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				real |= EventWrite
			}
			if fc.events&real == EventNone {
				fc.mu.Unlock()
				continue
			}

			left := fc.events &^ real
			if !iom.rearm(fc, left) {
				fc.mu.Unlock()
				continue
			}

			if real&EventRead != 0 {
				fc.triggerEvent(EventRead)
				iom.pendingEvents.Add(-1)
			}
			if real&EventWrite != 0 {
				fc.triggerEvent(EventWrite)
				iom.pendingEvents.Add(-1)
			}
			fc.mu.Unlock()
		}

		// Hand the worker back to the dispatch loop so it can run whatever
		// this pass made ready.
		fiber.YieldHold()
	}
}

// drainTickle empties the edge-triggered wake pipe.
func (iom *IOManager) drainTickle() {
	var buf [256]byte
	for {
		n, err := unix.Read(iom.tickleFds[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
