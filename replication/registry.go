package replication

import (
	"sort"
	"sync"

	"github.com/maxpert/lagless/telemetry"
)

// Waiter is a pending request for notification once a replica position has
// been observed locally. Owned by the registry from Register until release
// or cancellation.
type Waiter struct {
	target Position
	ch     chan struct{}
}

// Done returns a channel closed when the waiter's target position has been
// observed on the local replica.
func (w *Waiter) Done() <-chan struct{} {
	return w.ch
}

// Target returns the position this waiter is blocked on.
func (w *Waiter) Target() Position {
	return w.target
}

// WaitRegistry tracks callers blocked on replica positions.
// Waiters are kept sorted by target position so NotifyReached releases the
// satisfied prefix in O(log n + k). All methods are safe for concurrent use.
type WaitRegistry struct {
	mu      sync.Mutex
	waiters []*Waiter // Sorted by target ascending
}

func NewWaitRegistry() *WaitRegistry {
	return &WaitRegistry{
		waiters: make([]*Waiter, 0),
	}
}

// Register adds a waiter for the given target position and returns its handle.
func (r *WaitRegistry) Register(target Position) *Waiter {
	w := &Waiter{target: target, ch: make(chan struct{})}

	r.mu.Lock()
	i := sort.Search(len(r.waiters), func(i int) bool {
		return r.waiters[i].target >= target
	})
	r.waiters = append(r.waiters, nil)
	copy(r.waiters[i+1:], r.waiters[i:])
	r.waiters[i] = w
	telemetry.ActiveWaiters.Set(float64(len(r.waiters)))
	r.mu.Unlock()

	return w
}

// NotifyReached releases every waiter whose target is <= the observed
// position. Called only by the poller.
func (r *WaitRegistry) NotifyReached(observed Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.waiters) == 0 {
		return
	}

	// First waiter with target > observed
	i := sort.Search(len(r.waiters), func(i int) bool {
		return r.waiters[i].target > observed
	})

	for j := 0; j < i; j++ {
		close(r.waiters[j].ch)
	}
	r.waiters = r.waiters[i:]
	telemetry.ActiveWaiters.Set(float64(len(r.waiters)))
}

// Cancel removes a waiter without releasing it. Used on timeout or caller
// cancellation. Safe to call after the waiter was already released; a
// released waiter is no longer in the registry, so this is a no-op then.
func (r *WaitRegistry) Cancel(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cur := range r.waiters {
		if cur == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			telemetry.ActiveWaiters.Set(float64(len(r.waiters)))
			return
		}
	}
}

// IsIdle reports whether no waiters remain. The poller uses this to decide
// whether to keep polling or go idle.
func (r *WaitRegistry) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters) == 0
}

// Len returns the number of active waiters
func (r *WaitRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
