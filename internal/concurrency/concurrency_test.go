// File: internal/concurrency/concurrency_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"sync"
	"testing"
)

func TestSpinLockMutualExclusion(t *testing.T) {
	var l SpinLock
	counter := 0
	const workers, rounds = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != workers*rounds {
		t.Fatalf("expected %d increments, got %d", workers*rounds, counter)
	}
}

func TestSpinLockTryLock(t *testing.T) {
	var l SpinLock
	if !l.TryLock() {
		t.Fatal("TryLock on free lock failed")
	}
	if l.TryLock() {
		t.Fatal("TryLock on held lock succeeded")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatal("TryLock after unlock failed")
	}
}

func TestSemaphoreHandshake(t *testing.T) {
	s := NewSemaphore(0)
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned before Notify")
	default:
	}
	s.Notify()
	<-done
}

func TestSemaphoreInitialCount(t *testing.T) {
	s := NewSemaphore(2)
	s.Wait()
	s.Wait() // must not block
}

func TestThreadRunsAndJoins(t *testing.T) {
	ran := false
	th := NewThread(func() { ran = true }, "worker_test")
	th.Join()
	if !ran {
		t.Fatal("thread body did not run")
	}
	if th.ID() == 0 {
		t.Fatal("thread id not assigned")
	}
	if th.Name() != "worker_test" {
		t.Fatalf("unexpected name %q", th.Name())
	}
}

func TestThreadIDValidBeforeConstructorReturns(t *testing.T) {
	block := make(chan struct{})
	th := NewThread(func() { <-block }, "blocked")
	if th.ID() == 0 {
		t.Fatal("id must be assigned before NewThread returns")
	}
	close(block)
	th.Join()
}
