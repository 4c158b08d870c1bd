package replication

import "context"

// Position identifies a point in the primary's replication stream.
// Positions are produced by the database (or by the remote write path) and
// are never synthesized locally. For a single primary, positions observed
// over time at any one replica are non-decreasing. Values are opaque beyond
// their ordering; nothing here assumes uniqueness or density.
type Position uint64

// PositionSource reports the local replica's current replay position.
// Implementations must be cheap to query repeatedly; the poller calls this
// once per cycle on behalf of every registered waiter.
type PositionSource interface {
	CurrentPosition(ctx context.Context) (Position, error)
}

// PositionSourceFunc adapts a function to the PositionSource interface
type PositionSourceFunc func(ctx context.Context) (Position, error)

func (f PositionSourceFunc) CurrentPosition(ctx context.Context) (Position, error) {
	return f(ctx)
}
