package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTracker(src PositionSource) *Tracker {
	return NewTracker(src, TrackerConfig{
		Poller:             testPollerConfig(),
		DefaultWaitTimeout: time.Second,
	})
}

func TestTracker_FastPathSkipsRegistration(t *testing.T) {
	src := &fakeSource{}
	src.position.Store(100)
	tr := testTracker(src)
	defer tr.Close()

	// Prime the last-observed position with one real wait
	require.NoError(t, tr.WaitFor(context.Background(), 100, time.Second))
	queriesAfterPrime := src.queries.Load()

	// Target already satisfied: returns immediately, no poller cycle
	require.NoError(t, tr.WaitFor(context.Background(), 50, time.Second))
	require.NoError(t, tr.WaitFor(context.Background(), 100, time.Second))

	assert.Equal(t, queriesAfterPrime, src.queries.Load(), "fast path must not poll")
	assert.Zero(t, tr.ActiveWaiters())
}

func TestTracker_TimeoutWhileSourceLags(t *testing.T) {
	src := &fakeSource{}
	src.position.Store(50) // Stuck below the target
	tr := testTracker(src)
	defer tr.Close()

	start := time.Now()
	err := tr.WaitFor(context.Background(), 100, 200*time.Millisecond)
	elapsed := time.Since(start)

	var timedOut *WaitTimedOutError
	require.ErrorAs(t, err, &timedOut)
	assert.Equal(t, Position(100), timedOut.Target)
	assert.Equal(t, Position(50), timedOut.Observed)
	assert.True(t, IsWaitTimedOut(err))

	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// Waiter removed, registry idle, poller winds down
	assert.Zero(t, tr.ActiveWaiters())
	waitForTrackerIdle(t, tr)
}

func TestTracker_ContextCancellation(t *testing.T) {
	src := &fakeSource{}
	tr := testTracker(src)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.WaitFor(ctx, 100, 10*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return on cancellation")
	}

	assert.Zero(t, tr.ActiveWaiters())
}

func TestTracker_FiveConcurrentWaitersOnePollerPeriod(t *testing.T) {
	src := &fakeSource{}
	src.position.Store(99)
	tr := testTracker(src)
	defer tr.Close()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.WaitFor(context.Background(), 100, 2*time.Second)
		}(i)
	}

	// Let all five register, then let the replica catch up
	deadline := time.After(time.Second)
	for tr.ActiveWaiters() < 5 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 5 waiters registered", tr.ActiveWaiters())
		case <-time.After(time.Millisecond):
		}
	}
	assert.True(t, tr.PollerRunning(), "one poller must be active while waiters exist")

	src.position.Store(100)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "waiter %d", i)
	}
	assert.Zero(t, tr.ActiveWaiters())
	waitForTrackerIdle(t, tr)
}

func TestTracker_DefaultTimeoutApplies(t *testing.T) {
	src := &fakeSource{}
	tr := NewTracker(src, TrackerConfig{
		Poller:             testPollerConfig(),
		DefaultWaitTimeout: 50 * time.Millisecond,
	})
	defer tr.Close()

	start := time.Now()
	err := tr.WaitFor(context.Background(), 100, 0)

	require.True(t, IsWaitTimedOut(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func waitForTrackerIdle(t *testing.T, tr *Tracker) {
	t.Helper()
	deadline := time.After(time.Second)
	for tr.PollerRunning() {
		select {
		case <-deadline:
			t.Fatal("poller did not go idle")
		case <-time.After(time.Millisecond):
		}
	}
}
