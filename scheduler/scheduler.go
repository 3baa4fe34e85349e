// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package scheduler implements the M:N dispatcher: a FIFO of tasks (fibers or
// closures, optionally pinned to one worker) drained by a pool of worker
// threads. A scheduler may reuse its constructing thread as an extra worker
// ("use caller"); the dispatch loop then runs inside a dedicated root fiber
// driven from Stop.
//
// Subsystems that extend the scheduler (the I/O manager) override the
// tickle/idle/stopping behavior through the Overrides interface.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/concurrency"
	"github.com/momentics/hioload-fiber/logging"
)

// Overrides is the customization point for scheduler subclasses: waking
// sleeping workers, the per-worker idle routine, and the stop predicate.
type Overrides interface {
	// Tickle wakes at least one sleeping worker.
	Tickle()
	// Idle runs inside a worker's idle fiber whenever the queue is empty; it
	// must yield HOLD periodically and return once Stopping holds.
	Idle(thread int)
	// Stopping reports whether the scheduler has fully drained and may exit.
	Stopping() bool
}

// task is one queue entry: an existing fiber or a closure to wrap, plus an
// optional worker pin (-1 = any).
type task struct {
	f      *fiber.Fiber
	cb     func()
	thread int
}

// Scheduler dispatches fibers across a pool of worker threads.
type Scheduler struct {
	name string

	mu    sync.Mutex
	tasks []task

	threads     []*concurrency.Thread
	threadCount int

	activeCount atomic.Int64
	idleCount   atomic.Int64

	stopped  bool
	autoStop bool

	rootFiber  *fiber.Fiber
	rootThread int
	useCaller  bool

	ov         Overrides
	owner      any
	pinWorkers bool
}

var _ api.Executor = (*Scheduler)(nil)

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithOverrides installs a subclass's tickle/idle/stopping behavior.
func WithOverrides(ov Overrides) Option {
	return func(s *Scheduler) { s.ov = ov }
}

// WithOwner sets the outermost instance bound to fibers this scheduler
// dispatches; GetThis-style lookups resolve through it.
func WithOwner(owner any) Option {
	return func(s *Scheduler) { s.owner = owner }
}

// WithPinnedWorkers pins each worker thread to a CPU (round-robin).
func WithPinnedWorkers() Option {
	return func(s *Scheduler) { s.pinWorkers = true }
}

// New creates a stopped scheduler with the given worker count. With useCaller
// the constructing thread becomes one of the workers: its dispatch loop lives
// in a root fiber that Stop drives to completion.
func New(threads int, useCaller bool, name string, opts ...Option) *Scheduler {
	if threads <= 0 {
		panic("scheduler: thread count must be positive")
	}
	s := &Scheduler{
		name:       name,
		stopped:    true,
		rootThread: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ov == nil {
		s.ov = baseOverrides{s}
	}
	if useCaller {
		threads--
		mf := fiber.BindMain()
		if mf.Owner() != nil {
			panic("scheduler: constructing thread already belongs to a scheduler")
		}
		s.useCaller = true
		s.rootThread = threads
		s.rootFiber = fiber.New(func() { s.run(s.rootThread) })
		mf.Bind(s.ownerOrSelf(), false, s.rootThread)
	}
	s.threadCount = threads
	return s
}

// ownerOrSelf resolves the owner bound to dispatched fibers.
func (s *Scheduler) ownerOrSelf() any {
	if s.owner != nil {
		return s.owner
	}
	return s
}

// SchedulerBase lets owner values embedding a Scheduler resolve back to it.
func (s *Scheduler) SchedulerBase() *Scheduler { return s }

// baseRef is implemented by any owner that can surface its scheduler.
type baseRef interface {
	SchedulerBase() *Scheduler
}

// GetThis returns the scheduler owning the calling execution context, nil
// outside of one.
func GetThis() *Scheduler {
	f := fiber.Current()
	if f == nil {
		return nil
	}
	if br, ok := f.Owner().(baseRef); ok {
		return br.SchedulerBase()
	}
	return nil
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// NumWorkers returns the worker count, the caller thread included.
func (s *Scheduler) NumWorkers() int {
	n := s.threadCount
	if s.useCaller {
		n++
	}
	return n
}

// HasIdleThreads reports whether any worker is parked in its idle fiber.
func (s *Scheduler) HasIdleThreads() bool {
	return s.idleCount.Load() > 0
}

// ActiveCount returns the number of workers currently running a task.
func (s *Scheduler) ActiveCount() int64 { return s.activeCount.Load() }

// Submit implements api.Executor.
func (s *Scheduler) Submit(taskFn func()) error {
	if taskFn == nil {
		return fmt.Errorf("scheduler %q: nil task", s.name)
	}
	s.Schedule(taskFn, -1)
	return nil
}

// Schedule appends a closure to the ready queue. thread pins it to one worker
// (-1 = any). Wakes a worker if the queue was empty.
func (s *Scheduler) Schedule(cb func(), thread int) {
	s.mu.Lock()
	needTickle := s.scheduleLocked(task{cb: cb, thread: thread})
	s.mu.Unlock()
	if needTickle {
		s.ov.Tickle()
	}
}

// ScheduleFiber appends an existing fiber to the ready queue.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, thread int) {
	s.mu.Lock()
	needTickle := s.scheduleLocked(task{f: f, thread: thread})
	s.mu.Unlock()
	if needTickle {
		s.ov.Tickle()
	}
}

// ScheduleBatch appends a batch of closures, signalling at most once.
func (s *Scheduler) ScheduleBatch(cbs []func()) {
	needTickle := false
	s.mu.Lock()
	for _, cb := range cbs {
		if cb == nil {
			continue
		}
		if s.scheduleLocked(task{cb: cb, thread: -1}) {
			needTickle = true
		}
	}
	s.mu.Unlock()
	if needTickle {
		s.ov.Tickle()
	}
}

func (s *Scheduler) scheduleLocked(t task) bool {
	wasEmpty := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	return wasEmpty
}

// Start spawns the worker threads. Idempotent; a running scheduler is left
// alone.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return
	}
	s.stopped = false
	if len(s.threads) != 0 {
		panic(fmt.Sprintf("scheduler %q: stale worker threads on start", s.name))
	}
	s.threads = make([]*concurrency.Thread, 0, s.threadCount)
	for i := 0; i < s.threadCount; i++ {
		id := i
		s.threads = append(s.threads, concurrency.NewThread(
			func() { s.run(id) },
			fmt.Sprintf("%s_%d", s.name, i),
		))
	}
}

// Stop drains the scheduler and joins the workers. With useCaller the root
// fiber is driven here so the constructing thread does its share of the work.
func (s *Scheduler) Stop() {
	s.autoStop = true

	if s.rootFiber != nil && s.threadCount == 0 {
		if st := s.rootFiber.State(); st == fiber.StateTerm || st == fiber.StateInit {
			logging.Named("system").Info().Str("name", s.name).Log("scheduler stopped")
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			if s.ov.Stopping() {
				if s.rootFiber.State() == fiber.StateInit {
					s.rootFiber.Reset(nil)
				}
				s.releaseCaller()
				return
			}
		}
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for i := 0; i < s.threadCount; i++ {
		s.ov.Tickle()
	}
	if s.rootFiber != nil {
		s.ov.Tickle()
	}

	if s.rootFiber != nil && !s.ov.Stopping() {
		s.rootFiber.Bind(s.ownerOrSelf(), true, s.rootThread)
		s.rootFiber.Call()
	}

	s.mu.Lock()
	thrs := s.threads
	s.threads = nil
	s.mu.Unlock()
	for _, t := range thrs {
		t.Join()
	}
	// A root fiber that never needed to run stays INIT; disarm it so it does
	// not linger in the live count.
	if s.rootFiber != nil && s.rootFiber.State() == fiber.StateInit {
		s.rootFiber.Reset(nil)
	}
	s.releaseCaller()
}

// releaseCaller drops the constructing thread's main-fiber binding.
func (s *Scheduler) releaseCaller() {
	if s.useCaller {
		fiber.ReleaseMain()
	}
}

// StoppingDefault is the base stop predicate: auto-stop requested, stop
// flagged, queue empty and no worker mid-task.
func (s *Scheduler) StoppingDefault() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStop && s.stopped && len(s.tasks) == 0 && s.activeCount.Load() == 0
}

// SwitchTo reschedules the calling fiber onto the given worker (-1 = any) and
// suspends until that worker picks it up.
func (s *Scheduler) SwitchTo(thread int) {
	f := fiber.Current()
	if f == nil || f.IsMain() {
		panic("scheduler: SwitchTo outside a fiber")
	}
	if GetThis() == s {
		if thread == -1 || thread == f.Thread() {
			return
		}
	}
	s.ScheduleFiber(f, thread)
	fiber.YieldHold()
}

// String formats the scheduler's live state.
func (s *Scheduler) String() string {
	s.mu.Lock()
	stopped := s.stopped
	queued := len(s.tasks)
	s.mu.Unlock()
	return fmt.Sprintf("[Scheduler name=%s size=%d active=%d idle=%d queued=%d stopping=%v]",
		s.name, s.NumWorkers(), s.activeCount.Load(), s.idleCount.Load(), queued, stopped)
}

// run is the worker dispatch loop.
func (s *Scheduler) run(tid int) {
	log := logging.Named("system")
	log.Debug().Str("name", s.name).Int("thread", tid).Log("scheduler run")

	if s.pinWorkers {
		if err := concurrency.PinCurrentThread(tid % concurrency.NumCPUs()); err != nil {
			log.Warning().Int("thread", tid).Err(err).Log("worker pin failed")
		}
	}

	mf := fiber.BindMain()
	mf.Bind(s.ownerOrSelf(), true, tid)
	defer fiber.ReleaseMain()

	idleFiber := fiber.New(func() { s.ov.Idle(tid) })
	var cbFiber *fiber.Fiber

dispatch:
	for {
		var tk task
		tickleMe := false
		isActive := false

		s.mu.Lock()
		for i := 0; i < len(s.tasks); i++ {
			t := s.tasks[i]
			if t.thread != -1 && t.thread != tid {
				tickleMe = true
				continue
			}
			if t.f != nil && t.f.State() == fiber.StateExec {
				continue
			}
			tk = t
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.activeCount.Add(1)
			isActive = true
			if i < len(s.tasks) {
				tickleMe = true
			}
			break
		}
		s.mu.Unlock()

		if tickleMe {
			s.ov.Tickle()
		}

		switch {
		case tk.f != nil && tk.f.State() != fiber.StateTerm && tk.f.State() != fiber.StateExcept:
			tk.f.Bind(s.ownerOrSelf(), true, tid)
			tk.f.Resume()
			s.activeCount.Add(-1)
			if st := tk.f.State(); st == fiber.StateReady {
				s.ScheduleFiber(tk.f, -1)
			} else if st != fiber.StateTerm && st != fiber.StateExcept {
				tk.f.ForceHold()
			}

		case tk.cb != nil:
			if cbFiber != nil {
				cbFiber.Reset(tk.cb)
			} else {
				cbFiber = fiber.New(tk.cb)
			}
			run := cbFiber
			run.Bind(s.ownerOrSelf(), true, tid)
			run.Resume()
			s.activeCount.Add(-1)
			switch st := run.State(); {
			case st == fiber.StateReady:
				// Requeued elsewhere; the cached fiber must not be reused
				// while another worker may resume it.
				s.ScheduleFiber(run, -1)
				cbFiber = nil
			case st == fiber.StateTerm || st == fiber.StateExcept:
				run.Reset(nil)
			default:
				run.ForceHold()
				cbFiber = nil
			}

		default:
			if isActive {
				s.activeCount.Add(-1)
				continue
			}
			if idleFiber.State() == fiber.StateTerm {
				log.Info().Str("name", s.name).Int("thread", tid).Log("idle fiber term")
				break dispatch
			}
			s.idleCount.Add(1)
			idleFiber.Bind(s.ownerOrSelf(), true, tid)
			idleFiber.Resume()
			s.idleCount.Add(-1)
			if st := idleFiber.State(); st != fiber.StateTerm && st != fiber.StateExcept {
				idleFiber.ForceHold()
			}
		}
	}
}

// baseOverrides is the default tickle/idle/stopping behavior.
type baseOverrides struct {
	s *Scheduler
}

// Tickle in the base scheduler only logs: idle workers rescan the queue on
// their own cadence.
func (b baseOverrides) Tickle() {
	logging.Named("system").Debug().Str("name", b.s.name).Log("tickle")
}

// Idle backs off briefly between rescans, yielding HOLD so the worker can
// pick up new work each round.
func (b baseOverrides) Idle(thread int) {
	for !b.s.ov.Stopping() {
		time.Sleep(time.Millisecond)
		fiber.YieldHold()
	}
}

// Stopping is the base predicate.
func (b baseOverrides) Stopping() bool {
	return b.s.StoppingDefault()
}
