package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/lagless/telemetry"
	"github.com/rs/zerolog/log"
)

// PollerConfig controls the position poller's cadence
type PollerConfig struct {
	Interval     time.Duration // Sleep between successful cycles
	QueryTimeout time.Duration // Per-query deadline against the position source
	MaxBackoff   time.Duration // Backoff cap while the source is erroring
}

// DefaultPollerConfig returns a PollerConfig with sensible defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     100 * time.Millisecond,
		QueryTimeout: time.Second,
		MaxBackoff:   2 * time.Second,
	}
}

// Poller is the single process-wide loop that samples the local replica's
// replay position on behalf of all registered waiters. It is demand-driven:
// idle (no goroutine, no queries) while the registry is empty, active while
// at least one waiter is registered. N concurrently blocked callers cost
// exactly one polling stream.
type Poller struct {
	source   PositionSource
	registry *WaitRegistry
	cfg      PollerConfig

	mu      sync.Mutex
	running bool
	closed  bool
	stopCh  chan struct{}

	lastObserved atomic.Uint64
}

// NewPoller creates an idle poller. It starts polling only once Poke is
// called with a non-empty registry.
func NewPoller(source PositionSource, registry *WaitRegistry, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultPollerConfig().QueryTimeout
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}

	return &Poller{
		source:   source,
		registry: registry,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Poke transitions the poller from Idle to Active if waiters exist.
// Idempotent: a registration while the poller is already active does not
// spawn a second loop. Callers must register their waiter BEFORE poking, so
// the loop's idle check and this start check (both under p.mu) can never
// both see an empty registry while a waiter is pending.
func (p *Poller) Poke() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.running || p.registry.IsIdle() {
		return
	}

	p.running = true
	go p.run()
}

// LastObserved returns the most recent position reported by the source.
// Zero until the first successful poll.
func (p *Poller) LastObserved() Position {
	return Position(p.lastObserved.Load())
}

// Running reports whether the polling loop is active (for tests and status)
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Close stops the poller permanently. Pending waiters are not released;
// their own timeouts apply.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
}

func (p *Poller) run() {
	telemetry.PollerActive.Set(1)
	log.Debug().Msg("Position poller active")

	delay := p.cfg.Interval
	failures := 0

	for {
		select {
		case <-time.After(delay):
		case <-p.stopCh:
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			p.stop("closed")
			return
		}

		observed, err := p.query()
		if err != nil {
			failures++
			delay = min(delay*2, p.cfg.MaxBackoff)
			telemetry.PollCyclesTotal.With("failed").Inc()
			log.Warn().
				Err(&PositionQueryError{Cause: err}).
				Int("consecutive_failures", failures).
				Dur("backoff", delay).
				Msg("Position source unavailable, retrying")
		} else {
			failures = 0
			delay = p.cfg.Interval
			telemetry.PollCyclesTotal.With("success").Inc()
			p.record(observed)
			p.registry.NotifyReached(observed)
		}

		// Idle check and the running flag flip must be atomic with Poke's
		// start check, otherwise a concurrent registration could be stranded.
		p.mu.Lock()
		if p.closed || p.registry.IsIdle() {
			p.running = false
			p.mu.Unlock()
			p.stop("idle")
			return
		}
		p.mu.Unlock()
	}
}

func (p *Poller) query() (Position, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	pos, err := p.source.CurrentPosition(ctx)
	if err != nil {
		return 0, err
	}

	telemetry.PollDurationSeconds.Observe(time.Since(start).Seconds())
	return pos, nil
}

func (p *Poller) record(observed Position) {
	// Single-writer: only the poll loop stores lastObserved
	if uint64(observed) > p.lastObserved.Load() {
		p.lastObserved.Store(uint64(observed))
		telemetry.ObservedPosition.Set(float64(observed))
	}
}

func (p *Poller) stop(reason string) {
	telemetry.PollerActive.Set(0)
	log.Debug().Str("reason", reason).Msg("Position poller idle")
}
