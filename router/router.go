package router

import (
	"context"
	"fmt"
	"time"

	"github.com/gobwas/glob"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/lagless/replication"
	"github.com/maxpert/lagless/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Operation describes a mutating call. Its semantics are opaque to the
// router; it is executed by the local Executor or shipped to the primary
// region as-is.
type Operation struct {
	Name     string `msgpack:"name"` // Logical operation name (matched against no-wait patterns)
	Database string `msgpack:"db"`
	SQL      string `msgpack:"sql"`
	Args     []any  `msgpack:"args"`
}

// Result of a mutating operation
type Result struct {
	RowsAffected int64 `msgpack:"rows"`
	LastInsertID int64 `msgpack:"last_id"`
}

// Executor runs an operation against the local (primary) database
type Executor interface {
	Execute(ctx context.Context, op Operation) (*Result, error)
}

// RemoteExecutor runs an operation on the node hosting the primary region
// and reports the replication position produced by the write.
type RemoteExecutor interface {
	ExecuteRemote(ctx context.Context, region string, op Operation) (*Result, replication.Position, error)
}

// Options are the per-call knobs recognized by Write
type Options struct {
	// Await blocks the caller until the local replica has caught up to the
	// write's position. Defaults to true via DefaultOptions.
	Await bool
	// WaitTimeout bounds the catch-up wait; zero selects the configured default
	WaitTimeout time.Duration
	// SessionKey, when set, records the write's position so later calls for
	// the same session can wait on it via WaitForSession.
	SessionKey string
}

// DefaultOptions returns the per-call defaults: await replication
func DefaultOptions() Options {
	return Options{Await: true}
}

// Config for the write router
type Config struct {
	PrimaryRegion  string
	CurrentRegion  string
	NowaitPatterns []string // Operation name globs that never await catch-up

	// OnCommit, when set, is invoked after every successful write with the
	// route taken and the position produced (zero for local writes, which
	// carry no catch-up obligation). Must not block; it runs on the write path.
	OnCommit func(op Operation, route Route, pos replication.Position)
}

// Router sends mutating operations to whichever node hosts the primary
// database and, for remote writes, optionally blocks the caller until the
// local replica has replayed the write.
type Router struct {
	primaryRegion string
	currentRegion string
	local         Executor
	remote        RemoteExecutor
	tracker       *replication.Tracker
	nowait        []glob.Glob
	sessions      *xsync.MapOf[string, uint64] // Session key -> highest written position
	onCommit      func(op Operation, route Route, pos replication.Position)
}

// New creates a Router. The tracker may be shared with other components; the
// router only consumes its WaitFor side.
func New(cfg Config, local Executor, remote RemoteExecutor, tracker *replication.Tracker) (*Router, error) {
	nowait := make([]glob.Glob, 0, len(cfg.NowaitPatterns))
	for _, pattern := range cfg.NowaitPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid nowait pattern %q: %w", pattern, err)
		}
		nowait = append(nowait, g)
	}

	return &Router{
		primaryRegion: cfg.PrimaryRegion,
		currentRegion: cfg.CurrentRegion,
		local:         local,
		remote:        remote,
		tracker:       tracker,
		nowait:        nowait,
		sessions:      xsync.NewMapOf[string, uint64](),
		onCommit:      cfg.OnCommit,
	}, nil
}

// Write executes a mutating operation, routing it to the primary.
//
// Local route: the operation runs in-process with no position tracking
// (local writes are already consistent with local reads).
//
// Remote route: the operation is forwarded to the primary region; on success
// and with opts.Await set, the call blocks until the local replica has
// caught up to the write's position. A *replication.WaitTimedOutError is
// returned TOGETHER with the result: the write itself succeeded, only local
// visibility is unconfirmed.
func (r *Router) Write(ctx context.Context, op Operation, opts Options) (*Result, error) {
	route := Decide(r.primaryRegion, r.currentRegion)
	telemetry.RoutingDecisionsTotal.With(route.String()).Inc()

	if route == RouteLocal {
		res, err := r.local.Execute(ctx, op)
		if err == nil && r.onCommit != nil {
			r.onCommit(op, RouteLocal, 0)
		}
		return res, err
	}

	start := time.Now()
	res, pos, err := r.remote.ExecuteRemote(ctx, r.primaryRegion, op)
	if err != nil {
		telemetry.RemoteWritesTotal.With("failed").Inc()
		return nil, &RemoteExecutionError{
			Region:    r.primaryRegion,
			Operation: op.Name,
			Cause:     err,
		}
	}

	telemetry.RemoteWritesTotal.With("success").Inc()
	telemetry.RemoteWriteDurationSeconds.Observe(time.Since(start).Seconds())

	if opts.SessionKey != "" {
		r.recordSession(opts.SessionKey, pos)
	}

	if r.onCommit != nil {
		r.onCommit(op, RouteRemote, pos)
	}

	log.Trace().
		Str("op", op.Name).
		Str("db", op.Database).
		Uint64("position", uint64(pos)).
		Bool("await", opts.Await).
		Msg("Remote write executed")

	if opts.Await && !r.matchesNowait(op.Name) {
		if waitErr := r.tracker.WaitFor(ctx, pos, opts.WaitTimeout); waitErr != nil {
			return res, waitErr
		}
	}

	return res, nil
}

// WriteAsync executes a remote write in the background and resolves the
// returned future once the local replica has caught up (or the wait fails).
// Useful for callers that want eventual confirmation without blocking.
func (r *Router) WriteAsync(ctx context.Context, op Operation, opts Options) *future.Future[*Result] {
	p := future.NewPromise[*Result]()

	go func() {
		res, err := r.Write(ctx, op, opts)
		p.Set(res, err)
	}()

	return p.Future()
}

// LastWritten returns the highest position recorded for a session key
func (r *Router) LastWritten(sessionKey string) (replication.Position, bool) {
	pos, ok := r.sessions.Load(sessionKey)
	return replication.Position(pos), ok
}

// WaitForSession blocks until the local replica has caught up to the last
// write recorded for the session. No-op for sessions with no recorded write.
func (r *Router) WaitForSession(ctx context.Context, sessionKey string, timeout time.Duration) error {
	pos, ok := r.LastWritten(sessionKey)
	if !ok {
		return nil
	}
	return r.tracker.WaitFor(ctx, pos, timeout)
}

// ForgetSession drops the recorded position for a session key
func (r *Router) ForgetSession(sessionKey string) {
	r.sessions.Delete(sessionKey)
}

func (r *Router) recordSession(sessionKey string, pos replication.Position) {
	// Positions are monotonic per primary; keep the max seen for the session
	r.sessions.Compute(sessionKey, func(old uint64, _ bool) (uint64, bool) {
		if uint64(pos) > old {
			return uint64(pos), false
		}
		return old, false
	})
}

func (r *Router) matchesNowait(name string) bool {
	for _, g := range r.nowait {
		if g.Match(name) {
			return true
		}
	}
	return false
}
