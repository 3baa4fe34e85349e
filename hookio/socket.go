// File: hookio/socket.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket lifecycle façade: creation and accept register the fd with the
// registry (which forces system-level non-blocking mode), connect enforces
// the configured timeout, close cancels pending events and drops the entry.

package hookio

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdmanager"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/logging"
	"github.com/momentics/hioload-fiber/timer"
)

// Socket creates a socket and registers it with the fd registry.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if Enabled() {
		fdmanager.Get(fd, true)
	}
	return fd, nil
}

// Connect connects with the "tcp.connect.timeout" config default.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, connectTimeoutMS.Load())
}

// ConnectWithTimeout connects, parking the fiber until the socket is writable
// or timeoutMS elapses (fdmanager.NoTimeout disables the limit). The eventual
// connect status is read back through SO_ERROR.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMS int64) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	ctx := fdmanager.Get(fd, false)
	if ctx == nil || ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	iom := iomanager.GetThis()
	if iom == nil {
		return err
	}

	tinfo := &timerInfo{}
	var t *timer.Timer
	if timeoutMS != fdmanager.NoTimeout {
		t = timer.AddConditionTimer(iom.Timers(), uint64(timeoutMS), tinfo, func(ti *timerInfo) {
			if ti.cancelled.Load() != 0 {
				return
			}
			ti.cancelled.Store(int32(unix.ETIMEDOUT))
			iom.CancelEvent(fd, iomanager.EventWrite)
		}, false)
	}

	if addErr := iom.AddEvent(fd, iomanager.EventWrite, nil); addErr != nil {
		if t != nil {
			t.Cancel()
		}
		logging.Named("system").Err().Int("fd", fd).Err(addErr).Log("connect addEvent failed")
	} else {
		fiber.YieldHold()
		if t != nil {
			t.Cancel()
		}
		if c := tinfo.cancelled.Load(); c != 0 {
			return unix.Errno(c)
		}
	}

	soErr, gErr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gErr != nil {
		return gErr
	}
	if soErr == 0 {
		return nil
	}
	return unix.Errno(soErr)
}

// Accept accepts a connection, parking the fiber until one is pending, and
// registers the new fd.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, "accept", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, e := unix.Accept4(fd, 0)
		if e == nil {
			sa = a
		}
		return n, e
	})
	if err != nil {
		return -1, nil, err
	}
	if Enabled() {
		fdmanager.Get(nfd, true)
	}
	return nfd, sa, nil
}

// Close cancels all pending events on fd, drops its registry entry and closes
// the descriptor.
func Close(fd int) error {
	if !Enabled() {
		return unix.Close(fd)
	}
	if ctx := fdmanager.Get(fd, false); ctx != nil {
		if iom := iomanager.GetThis(); iom != nil {
			iom.CancelAll(fd)
		}
		fdmanager.Del(fd)
	}
	return unix.Close(fd)
}
