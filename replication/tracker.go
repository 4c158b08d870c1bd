package replication

import (
	"context"
	"time"

	"github.com/maxpert/lagless/telemetry"
	"github.com/rs/zerolog/log"
)

// TrackerConfig bundles poller cadence with the default wait deadline
type TrackerConfig struct {
	Poller             PollerConfig
	DefaultWaitTimeout time.Duration
}

// DefaultTrackerConfig returns a TrackerConfig with sensible defaults
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Poller:             DefaultPollerConfig(),
		DefaultWaitTimeout: 5 * time.Second,
	}
}

// Tracker is the caller-facing catch-up API: block until the local replica
// has replayed past a target position. It owns the waiter registry and the
// demand-driven poller.
type Tracker struct {
	registry       *WaitRegistry
	poller         *Poller
	defaultTimeout time.Duration
}

// NewTracker creates a tracker over the given position source
func NewTracker(source PositionSource, cfg TrackerConfig) *Tracker {
	if cfg.DefaultWaitTimeout <= 0 {
		cfg.DefaultWaitTimeout = DefaultTrackerConfig().DefaultWaitTimeout
	}

	registry := NewWaitRegistry()
	return &Tracker{
		registry:       registry,
		poller:         NewPoller(source, registry, cfg.Poller),
		defaultTimeout: cfg.DefaultWaitTimeout,
	}
}

// WaitFor blocks until the local replica has observed a position >= target,
// the timeout elapses, or ctx is cancelled. A non-positive timeout selects
// the configured default.
//
// Returns nil on catch-up, *WaitTimedOutError on deadline expiry (the write
// is NOT undone; only local visibility is forfeited), or ctx.Err() on
// cancellation.
func (t *Tracker) WaitFor(ctx context.Context, target Position, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	// Fast path: already caught up, no registration and no poll cycle needed
	if t.poller.LastObserved() >= target {
		telemetry.WaitsTotal.With("fast_path").Inc()
		return nil
	}

	start := time.Now()
	w := t.registry.Register(target)
	t.poller.Poke()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.Done():
		telemetry.WaitsTotal.With("ok").Inc()
		telemetry.WaitDurationSeconds.Observe(time.Since(start).Seconds())
		return nil

	case <-timer.C:
		// The waiter may have been released between the timer firing and
		// this branch running; prefer the success outcome in that case.
		select {
		case <-w.Done():
			telemetry.WaitsTotal.With("ok").Inc()
			telemetry.WaitDurationSeconds.Observe(time.Since(start).Seconds())
			return nil
		default:
		}

		t.registry.Cancel(w)
		telemetry.WaitsTotal.With("timeout").Inc()
		observed := t.poller.LastObserved()
		log.Debug().
			Uint64("target", uint64(target)).
			Uint64("observed", uint64(observed)).
			Dur("timeout", timeout).
			Msg("Catch-up wait timed out")
		return &WaitTimedOutError{Target: target, Observed: observed, Timeout: timeout}

	case <-ctx.Done():
		t.registry.Cancel(w)
		telemetry.WaitsTotal.With("cancelled").Inc()
		return ctx.Err()
	}
}

// LastObserved returns the most recent replica position seen by the poller
func (t *Tracker) LastObserved() Position {
	return t.poller.LastObserved()
}

// ActiveWaiters returns the number of callers currently blocked
func (t *Tracker) ActiveWaiters() int {
	return t.registry.Len()
}

// PollerRunning reports whether the shared poller is active
func (t *Tracker) PollerRunning() bool {
	return t.poller.Running()
}

// Close stops the poller. In-flight waits run out their own deadlines.
func (t *Tracker) Close() {
	t.poller.Close()
}
