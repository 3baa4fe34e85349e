// File: internal/goid/goid_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package goid

import (
	"sync"
	"testing"
)

func TestGetReturnsStableNonZeroID(t *testing.T) {
	id := Get()
	if id == 0 {
		t.Fatal("expected non-zero goroutine id")
	}
	if again := Get(); again != id {
		t.Fatalf("id changed within one goroutine: %d then %d", id, again)
	}
}

func TestGetDistinguishesGoroutines(t *testing.T) {
	self := Get()
	var wg sync.WaitGroup
	ids := make(chan uint64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- Get()
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[uint64]bool{self: true}
	for id := range ids {
		if id == 0 {
			t.Fatal("zero id from goroutine")
		}
		if seen[id] {
			t.Fatalf("duplicate goroutine id %d", id)
		}
		seen[id] = true
	}
}
