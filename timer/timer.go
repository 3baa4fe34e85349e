// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package timer implements the deadline-ordered timer set shared by the
// scheduler's reactor. Timers are kept in a heap ordered by (deadline,
// insertion sequence); the sequence tiebreak keeps ordering strict for
// coincident deadlines. A head-insert latch coalesces wake-ups between
// reactor waits, and a wall-clock rollback of more than an hour drains the
// whole set once.
package timer

import (
	"container/heap"
	"sync"
	"time"
	"weak"

	"github.com/momentics/hioload-fiber/api"
)

// NoTimer is returned by NextTimer when the set is empty.
const NoTimer = ^uint64(0)

// rolloverWindow is how far the clock must move backwards before the manager
// treats it as a rollback rather than jitter.
const rolloverWindow = 60 * 60 * 1000

// Timer is a single pending deadline.
type Timer struct {
	mgr       *Manager
	ms        uint64
	next      uint64
	cb        func()
	recurring bool

	// idx is the heap position, -1 while not in the set. seq is the
	// insertion sequence used as the ordering tiebreak.
	idx int
	seq uint64
}

var _ api.Cancelable = (*Timer)(nil)

// Manager owns the timer set.
type Manager struct {
	mu           sync.RWMutex
	timers       timerHeap
	seq          uint64
	tickled      bool
	previousTime uint64

	onInsertAtFront func()
	now             func() uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithInsertAtFrontFunc sets the callback fired when a new timer becomes the
// earliest deadline and no wake-up is already pending.
func WithInsertAtFrontFunc(fn func()) Option {
	return func(m *Manager) { m.onInsertAtFront = fn }
}

// WithClock overrides the millisecond clock. Intended for tests.
func WithClock(fn func() uint64) Option {
	return func(m *Manager) { m.now = fn }
}

// NewManager creates an empty timer set.
func NewManager(opts ...Option) *Manager {
	m := &Manager{now: CurrentMS}
	for _, opt := range opts {
		opt(m)
	}
	m.previousTime = m.now()
	return m
}

// CurrentMS returns the wall clock in milliseconds.
func CurrentMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// AddTimer schedules cb to run after ms milliseconds, repeatedly if recurring.
func (m *Manager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	t := &Timer{
		mgr:       m,
		ms:        ms,
		cb:        cb,
		recurring: recurring,
		idx:       -1,
	}
	m.mu.Lock()
	t.next = m.now() + ms
	atFront := m.insertLocked(t)
	m.mu.Unlock()
	if atFront && m.onInsertAtFront != nil {
		m.onInsertAtFront()
	}
	return t
}

// AddConditionTimer schedules cb bound to cond's lifetime: the callback
// receives cond only if it is still strongly referenced at firing time, and
// does nothing otherwise. The timer itself never keeps cond alive.
func AddConditionTimer[T any](m *Manager, ms uint64, cond *T, cb func(*T), recurring bool) *Timer {
	w := weak.Make(cond)
	return m.AddTimer(ms, func() {
		if p := w.Value(); p != nil {
			cb(p)
		}
	}, recurring)
}

// insertLocked pushes t and reports whether it became the head while no
// wake-up was pending; in that case the pending latch is set.
func (m *Manager) insertLocked(t *Timer) bool {
	m.seq++
	t.seq = m.seq
	heap.Push(&m.timers, t)
	atFront := t.idx == 0 && !m.tickled
	if atFront {
		m.tickled = true
	}
	return atFront
}

// NextTimer returns the delay in milliseconds until the earliest deadline: 0
// if it is already due, NoTimer if the set is empty. Clears the head-insert
// latch.
func (m *Manager) NextTimer() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.timers) == 0 {
		return NoTimer
	}
	next := m.timers[0].next
	now := m.now()
	if now >= next {
		return 0
	}
	return next - now
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) > 0
}

// ListExpired appends the callbacks of every due timer to cbs and returns the
// extended slice. Recurring timers are re-armed relative to now; one-shot
// timers are marked fired. A detected clock rollback expires the entire set.
func (m *Manager) ListExpired(cbs []func()) []func() {
	m.mu.RLock()
	empty := len(m.timers) == 0
	m.mu.RUnlock()
	if empty {
		return cbs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return cbs
	}
	now := m.now()
	rollover := m.detectClockRolloverLocked(now)
	if !rollover && m.timers[0].next > now {
		return cbs
	}

	var expired []*Timer
	for len(m.timers) > 0 && (rollover || m.timers[0].next <= now) {
		expired = append(expired, heap.Pop(&m.timers).(*Timer))
	}
	for _, t := range expired {
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now + t.ms
			heap.Push(&m.timers, t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// detectClockRolloverLocked reports whether the wall clock moved backwards by
// more than the rollover window since the previous drain.
func (m *Manager) detectClockRolloverLocked(now uint64) bool {
	rollover := now < m.previousTime && now < m.previousTime-rolloverWindow
	m.previousTime = now
	return rollover
}

// Cancel removes the timer from the set. Reports false if the callback
// already fired or the timer was already cancelled.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.idx >= 0 {
		heap.Remove(&t.mgr.timers, t.idx)
	}
	return true
}

// Refresh pushes the deadline one full period from now, keeping the period.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.idx < 0 {
		return false
	}
	heap.Remove(&t.mgr.timers, t.idx)
	t.next = t.mgr.now() + t.ms
	heap.Push(&t.mgr.timers, t)
	return true
}

// Reset changes the period. With fromNow the new deadline counts from the
// current time, otherwise from the timer's original arming epoch. Reinsertion
// goes through the head-insert latch like a fresh AddTimer.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	if ms == t.ms && !fromNow {
		return true
	}
	m := t.mgr
	m.mu.Lock()
	if t.cb == nil || t.idx < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.idx)
	var start uint64
	if fromNow {
		start = m.now()
	} else {
		start = t.next - t.ms
	}
	t.ms = ms
	t.next = start + ms
	atFront := m.insertLocked(t)
	m.mu.Unlock()
	if atFront && m.onInsertAtFront != nil {
		m.onInsertAtFront()
	}
	return true
}
