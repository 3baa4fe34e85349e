// File: hookio/io.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Read- and write-family façade calls. All of them park the calling fiber on
// EAGAIN and honor the registry's per-direction timeouts.

package hookio

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/iomanager"
)

// Read reads into p, suspending the fiber until the fd is readable.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, "read", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv performs a vectored read.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, "readv", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, "recv", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// RecvFrom receives a datagram and its source address.
func RecvFrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, "recvfrom", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		var e error
		var sn int
		sn, from, e = unix.Recvfrom(fd, p, flags)
		return sn, e
	})
	return n, from, err
}

// RecvMsg receives a message with ancillary data.
func RecvMsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, "recvmsg", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		var e error
		var sn int
		sn, oobn, recvflags, from, e = unix.Recvmsg(fd, p, oob, flags)
		return sn, e
	})
	return n, oobn, recvflags, from, err
}

// Write writes p, suspending the fiber until the fd is writable.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, "write", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev performs a vectored write.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, "writev", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends on a connected socket.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, "send", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// SendTo sends a datagram to the given address.
func SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, "sendto", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// SendMsg sends a message with ancillary data.
func SendMsg(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, "sendmsg", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}
