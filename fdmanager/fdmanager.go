// File: fdmanager/fdmanager.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fdmanager tracks per-descriptor state for the blocking-call façade:
// whether the fd is a socket, whether the user asked for non-blocking mode,
// and the per-direction timeouts mirrored from SO_RCVTIMEO/SO_SNDTIMEO.
//
// Entries are created lazily on first observation. Every managed socket is
// put into non-blocking mode at the system level; the user-visible blocking
// semantics are reconstructed by the façade.
package fdmanager

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// NoTimeout marks a direction without a timeout.
const NoTimeout = int64(-1)

// FdCtx is the tracked state of one file descriptor.
type FdCtx struct {
	fd int

	initialized  atomic.Bool
	isSocket     atomic.Bool
	sysNonblock  atomic.Bool
	userNonblock atomic.Bool
	closed       atomic.Bool

	recvTimeout atomic.Int64 // ms, NoTimeout = none
	sendTimeout atomic.Int64
}

func newFdCtx(fd int) *FdCtx {
	ctx := &FdCtx{fd: fd}
	ctx.recvTimeout.Store(NoTimeout)
	ctx.sendTimeout.Store(NoTimeout)
	ctx.init()
	return ctx
}

// init inspects the descriptor and forces sockets into system-level
// non-blocking mode.
func (c *FdCtx) init() {
	if c.initialized.Load() {
		return
	}
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return
	}
	c.initialized.Store(true)
	if st.Mode&unix.S_IFMT == unix.S_IFSOCK {
		c.isSocket.Store(true)
		if err := unix.SetNonblock(c.fd, true); err == nil {
			c.sysNonblock.Store(true)
		}
	}
}

// Fd returns the descriptor number.
func (c *FdCtx) Fd() int { return c.fd }

// IsInit reports whether the descriptor was successfully inspected.
func (c *FdCtx) IsInit() bool { return c.initialized.Load() }

// IsSocket reports whether the descriptor is a socket.
func (c *FdCtx) IsSocket() bool { return c.isSocket.Load() }

// IsClosed reports whether the façade observed a close.
func (c *FdCtx) IsClosed() bool { return c.closed.Load() }

func (c *FdCtx) setClosed() { c.closed.Store(true) }

// SysNonblock reports whether the runtime forced non-blocking mode.
func (c *FdCtx) SysNonblock() bool { return c.sysNonblock.Load() }

// SetSysNonblock records the system-level non-blocking state.
func (c *FdCtx) SetSysNonblock(v bool) { c.sysNonblock.Store(v) }

// UserNonblock reports whether the user explicitly asked for non-blocking
// mode; the façade then never parks on this fd.
func (c *FdCtx) UserNonblock() bool { return c.userNonblock.Load() }

// SetUserNonblock records the user's requested non-blocking state.
func (c *FdCtx) SetUserNonblock(v bool) { c.userNonblock.Store(v) }

// SetTimeout stores a direction timeout in milliseconds; kind is
// unix.SO_RCVTIMEO or unix.SO_SNDTIMEO.
func (c *FdCtx) SetTimeout(kind int, ms int64) {
	if kind == unix.SO_RCVTIMEO {
		c.recvTimeout.Store(ms)
	} else {
		c.sendTimeout.Store(ms)
	}
}

// Timeout returns a direction timeout in milliseconds, NoTimeout if unset.
func (c *FdCtx) Timeout(kind int) int64 {
	if kind == unix.SO_RCVTIMEO {
		return c.recvTimeout.Load()
	}
	return c.sendTimeout.Load()
}

// Manager is a dense fd-indexed registry, grown by half on overflow.
type Manager struct {
	mu    sync.RWMutex
	datas []*FdCtx
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{datas: make([]*FdCtx, 64)}
}

// Get returns the entry for fd, creating it when autoCreate is set. Returns
// nil for unknown fds otherwise.
func (m *Manager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	var ctx *FdCtx
	if fd < len(m.datas) {
		ctx = m.datas[fd]
	}
	m.mu.RUnlock()
	if ctx != nil || !autoCreate {
		return ctx
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.datas) {
		grown := make([]*FdCtx, fd*3/2+1)
		copy(grown, m.datas)
		m.datas = grown
	}
	if m.datas[fd] == nil {
		m.datas[fd] = newFdCtx(fd)
	}
	return m.datas[fd]
}

// Del drops the entry for fd, marking it closed for any façade call still
// holding it.
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || fd >= len(m.datas) || m.datas[fd] == nil {
		return
	}
	m.datas[fd].setClosed()
	m.datas[fd] = nil
}

// defaultManager is the process-wide registry used by the façade.
var defaultManager = NewManager()

// Get returns fd's entry from the process-wide registry.
func Get(fd int, autoCreate bool) *FdCtx {
	return defaultManager.Get(fd, autoCreate)
}

// Del removes fd from the process-wide registry.
func Del(fd int) {
	defaultManager.Del(fd)
}
