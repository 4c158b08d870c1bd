package publisher

// WriteEvent describes a routed write that committed on the primary.
// Published asynchronously after the router reports success; consumers get
// an audit trail of cross-region writes, not a replication stream.
type WriteEvent struct {
	Position  uint64 `msgpack:"pos"`    // Replication position the write produced
	Database  string `msgpack:"db"`     // Target database name
	Operation string `msgpack:"op"`     // Logical operation name (e.g. "users.create")
	Region    string `msgpack:"region"` // Region the write originated from
	Route     string `msgpack:"route"`  // "local" or "remote"
	NodeID    uint64 `msgpack:"node"`   // Originating node
	CommitTS  int64  `msgpack:"ts"`     // Commit timestamp (unix ms)
}

// Sink is a destination for write events (e.g. Kafka, NATS)
type Sink interface {
	// Publish sends an event payload to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether a write event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(database, operation string) bool
}
