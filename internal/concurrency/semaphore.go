// File: internal/concurrency/semaphore.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

// Semaphore is a counting semaphore used for startup handshakes between a
// thread's creator and the thread itself.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{ch: make(chan struct{}, 1<<16)}
	for i := 0; i < count; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Wait blocks until a unit is available and consumes it.
func (s *Semaphore) Wait() {
	<-s.ch
}

// Notify releases one unit.
func (s *Semaphore) Notify() {
	s.ch <- struct{}{}
}
