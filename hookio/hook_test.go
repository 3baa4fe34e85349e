// File: hookio/hook_test.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hookio

import (
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdmanager"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/logging"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newIOM(t *testing.T, threads int) *iomanager.IOManager {
	t.Helper()
	iom, err := iomanager.New(threads, false, "t_hook")
	if err != nil {
		t.Fatalf("iomanager: %v", err)
	}
	return iom
}

// socketPair returns a connected stream pair registered with the fd registry.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	fdmanager.Get(fds[0], true)
	fdmanager.Get(fds[1], true)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
		fdmanager.Del(fds[0])
		fdmanager.Del(fds[1])
	})
	return fds[0], fds[1]
}

func TestFacadeDisabledOutsideWorkers(t *testing.T) {
	if Enabled() {
		t.Fatal("façade enabled outside any fiber")
	}
}

func TestReadParksUntilDataArrives(t *testing.T) {
	iom := newIOM(t, 2)
	defer iom.Stop()
	a, b := socketPair(t)

	got := make(chan string, 1)
	iom.Schedule(func() {
		buf := make([]byte, 16)
		n, err := Read(a, buf)
		if err != nil {
			t.Errorf("read: %v", err)
			got <- ""
			return
		}
		got <- string(buf[:n])
	}, -1)
	iom.Schedule(func() {
		time.Sleep(30 * time.Millisecond)
		if _, err := Write(b, []byte("ping")); err != nil {
			t.Errorf("write: %v", err)
		}
	}, -1)

	select {
	case s := <-got:
		if s != "ping" {
			t.Fatalf("read %q, want %q", s, "ping")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("parked read never completed")
	}
}

func TestPingPongScenario(t *testing.T) {
	iom := newIOM(t, 2)
	a, b := socketPair(t)

	result := make(chan byte, 1)
	iom.Schedule(func() { // echo side
		var buf [1]byte
		if n, err := Read(a, buf[:]); n != 1 || err != nil {
			t.Errorf("echo read: n=%d err=%v", n, err)
			return
		}
		if n, err := Write(a, buf[:]); n != 1 || err != nil {
			t.Errorf("echo write: n=%d err=%v", n, err)
		}
	}, -1)
	iom.Schedule(func() { // client side
		if n, err := Write(b, []byte{'A'}); n != 1 || err != nil {
			t.Errorf("client write: n=%d err=%v", n, err)
			return
		}
		var buf [1]byte
		if n, err := Read(b, buf[:]); n != 1 || err != nil {
			t.Errorf("client read: n=%d err=%v", n, err)
			return
		}
		result <- buf[0]
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

func TestReadTimeoutViaSetsockopt(t *testing.T) {
	iom := newIOM(t, 1)
	defer iom.Stop()
	a, _ := socketPair(t)

	done := make(chan error, 1)
	var elapsed time.Duration
	iom.Schedule(func() {
		tv := unix.Timeval{Usec: 50_000}
		if err := SetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			done <- err
			return
		}
		start := time.Now()
		var buf [1]byte
		_, err := Read(a, buf[:])
		elapsed = time.Since(start)
		done <- err
	}, -1)

	select {
	case err := <-done:
		if err != unix.ETIMEDOUT {
			t.Fatalf("err = %v, want ETIMEDOUT", err)
		}
		if elapsed < 40*time.Millisecond {
			t.Fatalf("timed out after %v, want >= ~50ms", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout never fired")
	}
	if fdmanager.Get(a, false).Timeout(unix.SO_RCVTIMEO) != 50 {
		t.Fatal("timeout not mirrored into the registry")
	}
}

func TestUserNonblockBypassesParking(t *testing.T) {
	iom := newIOM(t, 1)
	defer iom.Stop()
	a, _ := socketPair(t)

	done := make(chan error, 1)
	iom.Schedule(func() {
		if err := SetNonblock(a, true); err != nil {
			done <- err
			return
		}
		var buf [1]byte
		_, err := Read(a, buf[:])
		done <- err
	}, -1)

	select {
	case err := <-done:
		if err != unix.EAGAIN {
			t.Fatalf("err = %v, want EAGAIN for user-nonblocking socket", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nonblocking read parked")
	}
}

func TestFcntlShadowsNonblockFlag(t *testing.T) {
	iom := newIOM(t, 1)
	defer iom.Stop()
	a, _ := socketPair(t)

	done := make(chan struct{})
	iom.Schedule(func() {
		defer close(done)
		// The user never asked for non-blocking: F_GETFL must hide the
		// forced O_NONBLOCK.
		nb, err := IsNonblock(a)
		if err != nil || nb {
			t.Errorf("IsNonblock = %v,%v; want false", nb, err)
		}
		raw, _ := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
		if raw&unix.O_NONBLOCK == 0 {
			t.Error("system-level O_NONBLOCK missing on managed socket")
		}
		if err := SetNonblock(a, true); err != nil {
			t.Errorf("SetNonblock: %v", err)
		}
		nb, _ = IsNonblock(a)
		if !nb {
			t.Error("user nonblock not reflected after F_SETFL")
		}
		raw, _ = unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
		if raw&unix.O_NONBLOCK == 0 {
			t.Error("managed socket must stay non-blocking at the system level")
		}
	}, -1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fcntl test never ran")
	}
}

func TestIoctlSetNonblock(t *testing.T) {
	iom := newIOM(t, 1)
	defer iom.Stop()
	a, _ := socketPair(t)
	done := make(chan struct{})
	iom.Schedule(func() {
		defer close(done)
		if err := IoctlSetNonblock(a, true); err != nil {
			t.Errorf("ioctl: %v", err)
		}
		if !fdmanager.Get(a, false).UserNonblock() {
			t.Error("FIONBIO did not update the user flag")
		}
	}, -1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ioctl test never ran")
	}
}

func TestSleepFamily(t *testing.T) {
	iom := newIOM(t, 1)

	start := time.Now()
	done := make(chan struct{})
	iom.Schedule(func() {
		Usleep(100_000)
		close(done)
	}, -1)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("sleeper never woke")
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("woke after %v, want >= ~100ms", elapsed)
	}
	iom.Stop()
}

func TestSleepOneSecondScenario(t *testing.T) {
	iom := newIOM(t, 1)
	start := time.Now()
	iom.Schedule(func() { Sleep(1) }, -1)
	iom.Stop()
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("scheduler stopped after %v, want >= 1s", elapsed)
	}
}

func TestConnectTimeoutScenario(t *testing.T) {
	iom := newIOM(t, 1)
	defer iom.Stop()

	done := make(chan error, 1)
	var elapsed time.Duration
	iom.Schedule(func() {
		fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			done <- err
			return
		}
		defer Close(fd)
		sa := &unix.SockaddrInet4{Port: 1, Addr: [4]byte{10, 255, 255, 1}}
		start := time.Now()
		err = ConnectWithTimeout(fd, sa, 100)
		elapsed = time.Since(start)
		done <- err
	}, -1)

	select {
	case err := <-done:
		if err == nil {
			t.Skip("non-routable address unexpectedly connected")
		}
		switch err {
		case unix.ETIMEDOUT, unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.ENETUNREACH, unix.EACCES, unix.EPERM:
		default:
			t.Fatalf("unexpected connect error %v", err)
		}
		if err == unix.ETIMEDOUT && elapsed > 500*time.Millisecond {
			t.Fatalf("timeout path took %v, want ~100ms", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect never returned")
	}
}

func TestCloseWakesParkedReader(t *testing.T) {
	// One worker: the closing fiber runs the whole close before the parked
	// reader can retry, so the retry deterministically observes EBADF.
	iom := newIOM(t, 1)
	defer iom.Stop()
	a, b := socketPair(t)
	_ = b

	done := make(chan error, 1)
	iom.Schedule(func() {
		var buf [1]byte
		_, err := Read(a, buf[:])
		done <- err
	}, -1)
	iom.Schedule(func() {
		time.Sleep(50 * time.Millisecond)
		if err := Close(a); err != nil {
			t.Errorf("close: %v", err)
		}
	}, -1)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("read on closed fd succeeded")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("parked reader never woke after close")
	}
}

func TestReadAfterCloseFails(t *testing.T) {
	iom := newIOM(t, 1)
	defer iom.Stop()
	a, _ := socketPair(t)

	done := make(chan error, 1)
	iom.Schedule(func() {
		if err := Close(a); err != nil {
			done <- err
			return
		}
		var buf [1]byte
		_, err := Read(a, buf[:])
		done <- err
	}, -1)
	select {
	case err := <-done:
		if err != unix.EBADF {
			t.Fatalf("err = %v, want EBADF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("test body never ran")
	}
}
