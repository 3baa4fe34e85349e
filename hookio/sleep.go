// File: hookio/sleep.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sleep-family façade: inside a worker the calling fiber parks on a one-shot
// timer instead of blocking its thread.

package hookio

import (
	"time"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/iomanager"
)

// Sleep suspends the calling fiber for the given number of seconds.
func Sleep(seconds uint32) {
	sleepMS(uint64(seconds) * 1000)
}

// Usleep suspends the calling fiber for the given number of microseconds.
func Usleep(usec uint64) {
	sleepMS(usec / 1000)
}

// Nanosleep suspends the calling fiber for the given duration.
func Nanosleep(d time.Duration) {
	sleepMS(uint64(d.Milliseconds()))
}

func sleepMS(ms uint64) {
	if !Enabled() {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	iom := iomanager.GetThis()
	f := fiber.Current()
	if iom == nil || f == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	iom.AddTimer(ms, func() {
		iom.ScheduleFiber(f, -1)
	}, false)
	fiber.YieldHold()
}
