package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// RemoteWriteBuckets for cross-region write round trips
	RemoteWriteBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// CatchUpBuckets for replica catch-up waits (bounded by poll interval granularity)
	CatchUpBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// PositionQueryBuckets for cheap local position reads
	PositionQueryBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}
)

// Routing Metrics
var (
	// RoutingDecisionsTotal counts write routing decisions by route (local, remote)
	RoutingDecisionsTotal CounterVec = noopCounterVec{}

	// RemoteWritesTotal counts forwarded writes by result (success, failed)
	RemoteWritesTotal CounterVec = noopCounterVec{}

	// RemoteWriteDurationSeconds measures the full forwarded write round trip
	RemoteWriteDurationSeconds Histogram = NoopStat{}
)

// Catch-up Metrics
var (
	// ActiveWaiters tracks waiters currently registered for a replica position
	ActiveWaiters Gauge = NoopStat{}

	// WaitsTotal counts catch-up waits by outcome (ok, fast_path, timeout, cancelled)
	WaitsTotal CounterVec = noopCounterVec{}

	// WaitDurationSeconds measures how long callers blocked for catch-up
	WaitDurationSeconds Histogram = NoopStat{}

	// PollerActive indicates whether the position poller is running (1) or idle (0)
	PollerActive Gauge = NoopStat{}

	// PollCyclesTotal counts position source queries by result (success, failed)
	PollCyclesTotal CounterVec = noopCounterVec{}

	// PollDurationSeconds measures position source query latency
	PollDurationSeconds Histogram = NoopStat{}

	// ObservedPosition tracks the last replay position observed on the local replica
	ObservedPosition Gauge = NoopStat{}
)

// Publisher Metrics
var (
	// EventsPublishedTotal counts write events by sink and result
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventsDroppedTotal counts events dropped because the publish buffer was full
	EventsDroppedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	RoutingDecisionsTotal = NewCounterVec(
		"routing_decisions_total",
		"Write routing decisions by route",
		[]string{"route"},
	)
	RemoteWritesTotal = NewCounterVec(
		"remote_writes_total",
		"Forwarded writes by result",
		[]string{"result"},
	)
	RemoteWriteDurationSeconds = NewHistogramWithBuckets(
		"remote_write_duration_seconds",
		"Forwarded write round trip duration in seconds",
		RemoteWriteBuckets,
	)

	ActiveWaiters = NewGauge(
		"active_waiters",
		"Waiters currently registered for a replica position",
	)
	WaitsTotal = NewCounterVec(
		"waits_total",
		"Catch-up waits by outcome",
		[]string{"outcome"},
	)
	WaitDurationSeconds = NewHistogramWithBuckets(
		"wait_duration_seconds",
		"Time callers blocked waiting for replica catch-up",
		CatchUpBuckets,
	)
	PollerActive = NewGauge(
		"poller_active",
		"Whether the position poller is running (1) or idle (0)",
	)
	PollCyclesTotal = NewCounterVec(
		"poll_cycles_total",
		"Position source queries by result",
		[]string{"result"},
	)
	PollDurationSeconds = NewHistogramWithBuckets(
		"poll_duration_seconds",
		"Position source query duration in seconds",
		PositionQueryBuckets,
	)
	ObservedPosition = NewGauge(
		"observed_position",
		"Last replay position observed on the local replica",
	)

	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Write events published by sink and result",
		[]string{"sink", "result"},
	)
	EventsDroppedTotal = NewCounter(
		"events_dropped_total",
		"Write events dropped due to a full publish buffer",
	)
}
