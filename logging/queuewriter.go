// File: logging/queuewriter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Asynchronous log sink. Producers append encoded records to a FIFO under a
// spinlock; a single flusher goroutine drains the queue to the underlying
// writer. Keeps syscall latency out of the logging hot path.

package logging

import (
	"io"
	"runtime"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-fiber/internal/concurrency"
)

// QueueWriter is an io.Writer that buffers records through a FIFO queue.
type QueueWriter struct {
	out io.Writer

	lock concurrency.SpinLock
	q    *queue.Queue

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	closed atomic.Bool
}

// NewQueueWriter wraps out and starts the flusher goroutine.
func NewQueueWriter(out io.Writer) *QueueWriter {
	w := &QueueWriter{
		out:    out,
		q:      queue.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go w.flusher()
	return w
}

// Write enqueues a copy of p. It never blocks on the underlying writer.
func (w *QueueWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return w.out.Write(p)
	}
	rec := make([]byte, len(p))
	copy(rec, p)

	w.lock.Lock()
	w.q.Add(rec)
	w.lock.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Flush blocks until every record enqueued before the call has been handed to
// the underlying writer.
func (w *QueueWriter) Flush() {
	for {
		w.lock.Lock()
		n := w.q.Length()
		w.lock.Unlock()
		if n == 0 {
			return
		}
		select {
		case w.wake <- struct{}{}:
		default:
		}
		runtime.Gosched()
	}
}

// Close drains the queue and stops the flusher. Subsequent writes go straight
// to the underlying writer.
func (w *QueueWriter) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		close(w.done)
		<-w.exited
	}
	return nil
}

func (w *QueueWriter) flusher() {
	defer close(w.exited)
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *QueueWriter) drain() {
	for {
		w.lock.Lock()
		if w.q.Length() == 0 {
			w.lock.Unlock()
			return
		}
		// The record stays queued until it is written, so Flush does not
		// return while it is in flight. Only this goroutine removes records.
		rec := w.q.Peek().([]byte)
		w.lock.Unlock()
		_, _ = w.out.Write(rec)
		w.lock.Lock()
		w.q.Remove()
		w.lock.Unlock()
	}
}
