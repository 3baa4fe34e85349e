// File: internal/concurrency/pin_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pure-Go CPU pinning for worker threads.

package concurrency

import (
	"golang.org/x/sys/unix"
)

// PinCurrentThread binds the calling OS thread to the given logical CPU.
// The caller must already hold runtime.LockOSThread.
func PinCurrentThread(cpu int) error {
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// UnpinCurrentThread clears any CPU restriction from the calling OS thread.
func UnpinCurrentThread() error {
	var set unix.CPUSet
	set.Zero()
	for i := 0; i < NumCPUs(); i++ {
		set.Set(i)
	}
	return unix.SchedSetaffinity(0, &set)
}
