// File: internal/concurrency/pin_stub.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

// PinCurrentThread is a no-op on platforms without sched_setaffinity.
func PinCurrentThread(cpu int) error { return nil }

// UnpinCurrentThread is a no-op on platforms without sched_setaffinity.
func UnpinCurrentThread() error { return nil }
