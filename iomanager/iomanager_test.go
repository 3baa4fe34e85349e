// File: iomanager/iomanager_test.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package iomanager

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/logging"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestAddDelEventRoundTrip(t *testing.T) {
	iom, err := New(1, false, "t_rt")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iom.Stop()

	rd, _ := newPipe(t)
	if got := iom.PendingEventCount(); got != 0 {
		t.Fatalf("pending = %d before arming", got)
	}
	if err := iom.AddEvent(rd, EventRead, func() {}); err != nil {
		t.Fatalf("addEvent: %v", err)
	}
	if got := iom.PendingEventCount(); got != 1 {
		t.Fatalf("pending = %d after arming, want 1", got)
	}
	if !iom.DelEvent(rd, EventRead) {
		t.Fatal("delEvent failed")
	}
	if got := iom.PendingEventCount(); got != 0 {
		t.Fatalf("pending = %d after del, want 0", got)
	}
	if iom.DelEvent(rd, EventRead) {
		t.Fatal("delEvent of unarmed direction must report false")
	}
}

func TestEventFiresCallbackOnReadiness(t *testing.T) {
	iom, err := New(1, false, "t_fire")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iom.Stop()

	rd, wr := newPipe(t)
	fired := make(chan struct{})
	if err := iom.AddEvent(rd, EventRead, func() { close(fired) }); err != nil {
		t.Fatalf("addEvent: %v", err)
	}
	if _, err := unix.Write(wr, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("readiness callback never ran")
	}
	for i := 0; i < 200 && iom.PendingEventCount() != 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if got := iom.PendingEventCount(); got != 0 {
		t.Fatalf("pending = %d after fire, want 0", got)
	}
}

func TestPipePingPong(t *testing.T) {
	iom, err := New(2, false, "t_pong")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ar, bw := newPipe(t) // B writes -> A reads
	br, aw := newPipe(t) // A writes -> B reads

	readByte := func(fd int) byte {
		var buf [1]byte
		for {
			n, rerr := unix.Read(fd, buf[:])
			if n == 1 {
				return buf[0]
			}
			if rerr == unix.EAGAIN {
				if aerr := iom.AddEvent(fd, EventRead, nil); aerr != nil {
					t.Errorf("addEvent: %v", aerr)
					return 0
				}
				fiber.YieldHold()
				continue
			}
			t.Errorf("read: n=%d err=%v", n, rerr)
			return 0
		}
	}

	result := make(chan byte, 1)
	iom.Schedule(func() { // fiber A: echo one byte
		c := readByte(ar)
		unix.Write(aw, []byte{c})
	}, -1)
	iom.Schedule(func() { // fiber B: send then verify echo
		unix.Write(bw, []byte{'A'})
		result <- readByte(br)
	}, -1)

	select {
	case c := <-result:
		if c != 'A' {
			t.Fatalf("echoed %q, want 'A'", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ping-pong did not complete")
	}
	iom.Stop()
	if got := iom.PendingEventCount(); got != 0 {
		t.Fatalf("pending = %d after ping-pong, want 0", got)
	}
}

func TestCancelEventWakesWaiter(t *testing.T) {
	iom, err := New(2, false, "t_cancel")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iom.Stop()

	rd, wr := newPipe(t)
	got := make(chan int, 1)

	iom.Schedule(func() { // fiber A: park on a pipe with no data
		var buf [1]byte
		n, rerr := unix.Read(rd, buf[:])
		if rerr != unix.EAGAIN {
			t.Errorf("expected EAGAIN, got n=%d err=%v", n, rerr)
			got <- -1
			return
		}
		if aerr := iom.AddEvent(rd, EventRead, nil); aerr != nil {
			t.Errorf("addEvent: %v", aerr)
			got <- -1
			return
		}
		fiber.YieldHold()
		// Woken by cancel; the retry must observe the byte B wrote.
		n, _ = unix.Read(rd, buf[:])
		got <- n
	}, -1)

	iom.Schedule(func() { // fiber B: write one byte, then cancel A's wait
		time.Sleep(50 * time.Millisecond)
		unix.Write(wr, []byte{'x'})
		iom.CancelAll(rd)
	}, -1)

	select {
	case n := <-got:
		if n != 1 {
			t.Fatalf("woken reader read %d bytes, want 1", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled waiter never woke")
	}
}

func TestRecurringTimerFiveTimes(t *testing.T) {
	iom, err := New(1, false, "t_recur")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var fired atomic.Int32
	tm := iom.AddTimer(20, func() { fired.Add(1) }, true)
	time.Sleep(110 * time.Millisecond)
	tm.Cancel()
	iom.Stop()

	if n := fired.Load(); n < 4 || n > 6 {
		t.Fatalf("recurring timer fired %d times, want 4..6", n)
	}
}

func TestTimerWakesEpollBeforeMaxTimeout(t *testing.T) {
	iom, err := New(1, false, "t_wake")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iom.Stop()

	// The reactor is already parked on the 3s cap; a short timer must
	// tickle it awake far sooner.
	time.Sleep(20 * time.Millisecond)
	fired := make(chan struct{})
	start := time.Now()
	iom.AddTimer(30, func() { close(fired) }, false)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timer fired after %v; wake pipe did not interrupt the wait", elapsed)
	}
}

func TestContextTableGrowthPreservesEntries(t *testing.T) {
	iom, err := New(1, false, "t_grow")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iom.Stop()

	rd, _ := newPipe(t)
	if err := iom.AddEvent(rd, EventRead, func() {}); err != nil {
		t.Fatalf("addEvent: %v", err)
	}

	big, err := unix.FcntlInt(uintptr(rd), unix.F_DUPFD, 300)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	defer unix.Close(big)
	if err := iom.AddEvent(big, EventRead, func() {}); err != nil {
		t.Fatalf("addEvent on grown table: %v", err)
	}
	if got := iom.PendingEventCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	// The original registration must have survived the growth.
	if !iom.DelEvent(rd, EventRead) {
		t.Fatal("pre-growth registration lost")
	}
	if !iom.DelEvent(big, EventRead) {
		t.Fatal("post-growth registration lost")
	}
}

func TestSleepYieldScenario(t *testing.T) {
	base := fiber.LiveCount()
	iom, err := New(1, false, "t_sleep")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	start := time.Now()
	done := make(chan struct{})
	iom.Schedule(func() {
		f := fiber.Current()
		iom.AddTimer(1000, func() { iom.ScheduleFiber(f, -1) }, false)
		fiber.YieldHold()
		close(done)
	}, -1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleeper never woke")
	}
	iom.Stop()

	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("woke after %v, want >= 1s", elapsed)
	}
	if got := fiber.LiveCount(); got != base {
		t.Fatalf("live fibers %d after stop, want %d", got, base)
	}
}

func TestGetThisResolvesIOManager(t *testing.T) {
	iom, err := New(1, false, "t_this")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := make(chan *IOManager, 1)
	iom.Schedule(func() { got <- GetThis() }, -1)
	select {
	case g := <-got:
		if g != iom {
			t.Fatal("GetThis inside a worker fiber did not resolve the IOManager")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	iom.Stop()
	if GetThis() != nil {
		t.Fatal("GetThis outside the runtime must be nil")
	}
}
