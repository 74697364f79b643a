package app

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			unlock := k.Lock("/var/cache/a")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		})
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	if n := k.size(); n != 0 {
		t.Errorf("tracked keys after release = %d, want 0", n)
	}
}

func TestKeyedMutexDifferentKeys(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by lock on a")
	}
	unlockA()
}

func TestKeyedMutexMultipleKeys(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()

	// Opposite orders and duplicates must not deadlock.
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			var unlock func()
			if i%2 == 0 {
				unlock = k.Lock("x", "y", "x")
			} else {
				unlock = k.Lock("y", "x")
			}
			unlock()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock")
	}
	if n := k.size(); n != 0 {
		t.Errorf("tracked keys = %d, want 0", n)
	}
}
