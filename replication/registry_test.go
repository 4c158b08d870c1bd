package replication

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waiterReleased(w *Waiter) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

func TestWaitRegistry_NotifyReleasesExactPrefix(t *testing.T) {
	r := NewWaitRegistry()

	targets := []Position{10, 20, 30, 40, 50}
	waiters := make([]*Waiter, len(targets))
	for i, target := range targets {
		waiters[i] = r.Register(target)
	}

	if r.Len() != 5 {
		t.Fatalf("expected 5 waiters, got %d", r.Len())
	}

	// Observed 30 releases exactly {10, 20, 30}
	r.NotifyReached(30)

	for i := 0; i < 3; i++ {
		if !waiterReleased(waiters[i]) {
			t.Errorf("waiter for %d should be released", targets[i])
		}
	}
	for i := 3; i < 5; i++ {
		if waiterReleased(waiters[i]) {
			t.Errorf("waiter for %d should still be pending", targets[i])
		}
	}

	if r.Len() != 2 {
		t.Fatalf("expected 2 waiters remaining, got %d", r.Len())
	}

	r.NotifyReached(50)
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	if !r.IsIdle() {
		t.Fatal("registry should be idle")
	}
}

func TestWaitRegistry_OutOfOrderRegistration(t *testing.T) {
	r := NewWaitRegistry()

	w50 := r.Register(50)
	w10 := r.Register(10)
	w30 := r.Register(30)

	r.NotifyReached(30)

	if !waiterReleased(w10) || !waiterReleased(w30) {
		t.Error("waiters for 10 and 30 should be released")
	}
	if waiterReleased(w50) {
		t.Error("waiter for 50 should still be pending")
	}
}

func TestWaitRegistry_DuplicateTargets(t *testing.T) {
	r := NewWaitRegistry()

	waiters := make([]*Waiter, 3)
	for i := range waiters {
		waiters[i] = r.Register(100)
	}

	r.NotifyReached(100)

	for i, w := range waiters {
		if !waiterReleased(w) {
			t.Errorf("waiter %d should be released", i)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestWaitRegistry_NotifyBelowAllTargets(t *testing.T) {
	r := NewWaitRegistry()

	w := r.Register(100)
	r.NotifyReached(99)

	if waiterReleased(w) {
		t.Error("waiter should not be released below its target")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 waiter, got %d", r.Len())
	}
}

func TestWaitRegistry_CancelRemovesWithoutRelease(t *testing.T) {
	r := NewWaitRegistry()

	w1 := r.Register(10)
	w2 := r.Register(20)

	r.Cancel(w1)

	if r.Len() != 1 {
		t.Fatalf("expected 1 waiter after cancel, got %d", r.Len())
	}
	if waiterReleased(w1) {
		t.Error("cancelled waiter must not be released")
	}

	// Cancelling one waiter never affects another's visibility
	r.NotifyReached(20)
	if !waiterReleased(w2) {
		t.Error("remaining waiter should be released")
	}
}

func TestWaitRegistry_CancelIdempotentAfterRelease(t *testing.T) {
	r := NewWaitRegistry()

	w := r.Register(10)
	r.NotifyReached(10)

	// Already released and removed; cancel must be a no-op
	r.Cancel(w)
	r.Cancel(w)

	if !r.IsIdle() {
		t.Fatal("registry should be idle")
	}
}

func TestWaitRegistry_ConcurrentRegisterAndNotify(t *testing.T) {
	r := NewWaitRegistry()

	var wg sync.WaitGroup
	var released atomic.Int32

	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(target Position) {
			defer wg.Done()
			w := r.Register(target)
			select {
			case <-w.Done():
				released.Add(1)
			case <-time.After(2 * time.Second):
			}
		}(Position(i))
	}

	// Notify in batches while registrations race in
	deadline := time.After(2 * time.Second)
	for released.Load() < 100 {
		r.NotifyReached(100)
		select {
		case <-deadline:
			t.Fatalf("only %d of 100 waiters released", released.Load())
		case <-time.After(time.Millisecond):
		}
	}

	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
