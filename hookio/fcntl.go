// File: hookio/fcntl.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Flag and option façade. Managed sockets stay non-blocking at the system
// level; F_GETFL/F_SETFL reflect the blocking mode the user asked for, not
// the real one. SO_RCVTIMEO/SO_SNDTIMEO updates are mirrored into the fd
// registry so the I/O façade can enforce them.

package hookio

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdmanager"
)

// Fcntl performs fcntl(2) with O_NONBLOCK shadowing on F_GETFL/F_SETFL for
// managed sockets. Other commands pass through unchanged.
func Fcntl(fd, cmd, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		ctx := fdmanager.Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		}
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)

	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		ctx := fdmanager.Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return flags, nil
		}
		if ctx.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil

	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// SetNonblock records the user's requested blocking mode, equivalent to
// fcntl(F_SETFL) toggling O_NONBLOCK.
func SetNonblock(fd int, nonblocking bool) error {
	flags, err := Fcntl(fd, unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if nonblocking {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}
	_, err = Fcntl(fd, unix.F_SETFL, flags)
	return err
}

// IsNonblock reports the blocking mode as the user sees it.
func IsNonblock(fd int) (bool, error) {
	flags, err := Fcntl(fd, unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// IoctlSetNonblock is the FIONBIO path to the same user-nonblock shadow.
func IoctlSetNonblock(fd int, nonblocking bool) error {
	ctx := fdmanager.Get(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return unix.SetNonblock(fd, nonblocking)
	}
	ctx.SetUserNonblock(nonblocking)
	return nil
}

// GetsockoptInt passes through to getsockopt(2).
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// SetsockoptInt passes through to setsockopt(2).
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval applies the option and mirrors receive/send timeouts into
// the fd registry.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if Enabled() && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx := fdmanager.Get(fd, false); ctx != nil {
			ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
			ctx.SetTimeout(opt, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}
