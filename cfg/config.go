package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SinkType defines where write events are published
type SinkType string

const (
	SinkKafka SinkType = "kafka" // Kafka topic
	SinkNATS  SinkType = "nats"  // NATS JetStream subject
)

// ReplicationConfiguration controls routing and catch-up waiting
type ReplicationConfiguration struct {
	PrimaryRegion  string   `toml:"primary_region"`
	CurrentRegion  string   `toml:"current_region"`
	PollIntervalMS int      `toml:"poll_interval_ms"`
	PollTimeoutMS  int      `toml:"poll_timeout_ms"`
	MaxBackoffMS   int      `toml:"max_backoff_ms"`
	WaitTimeoutMS  int      `toml:"wait_timeout_ms"`
	NowaitPatterns []string `toml:"nowait_patterns"` // Operation name globs that skip catch-up waiting
}

// NATSConfiguration controls the write-forwarding transport
type NATSConfiguration struct {
	URL              string `toml:"url"`
	SubjectPrefix    string `toml:"subject_prefix"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
	MaxAttempts      int    `toml:"max_attempts"`
}

// PrimaryConfiguration is used when this node hosts the primary database
type PrimaryConfiguration struct {
	DSN                  string `toml:"dsn"`
	IdempotencyCacheSize int    `toml:"idempotency_cache_size"`
	CompressionMinBytes  int    `toml:"compression_min_bytes"` // Payloads below this are sent uncompressed
}

// ReplicaConfiguration describes how to read the local replica's replay position
type ReplicaConfiguration struct {
	DSN            string `toml:"dsn"`
	ProgressTable  string `toml:"progress_table"`
	ProgressColumn string `toml:"progress_column"`
}

// SinkConfiguration for a single write-event sink
type SinkConfiguration struct {
	Type      SinkType `toml:"type"`
	Brokers   []string `toml:"brokers"`
	NatsURL   string   `toml:"nats_url"`
	Topic     string   `toml:"topic"`
	BatchSize int      `toml:"batch_size"`
}

// PublisherConfiguration controls write-event publishing
type PublisherConfiguration struct {
	Enabled           bool                `toml:"enabled"`
	BufferSize        int                 `toml:"buffer_size"`
	DatabasePatterns  []string            `toml:"database_patterns"`
	OperationPatterns []string            `toml:"operation_patterns"`
	Sinks             []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration for the HTTP status surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Replication ReplicationConfiguration `toml:"replication"`
	NATS        NATSConfiguration        `toml:"nats"`
	Primary     PrimaryConfiguration     `toml:"primary"`
	Replica     ReplicaConfiguration     `toml:"replica"`
	Publisher   PublisherConfiguration   `toml:"publisher"`
	Admin       AdminConfiguration       `toml:"admin"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag    = flag.String("config", "config.toml", "Path to configuration file")
	CurrentRegionFlag = flag.String("region", "", "Current node region (overrides config)")
	PrimaryRegionFlag = flag.String("primary-region", "", "Primary region (overrides config)")
	NATSURLFlag       = flag.String("nats-url", "", "NATS server URL (overrides config)")
	AdminPortFlag     = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Replication: ReplicationConfiguration{
		PollIntervalMS: 100,
		PollTimeoutMS:  1000,
		MaxBackoffMS:   2000,
		WaitTimeoutMS:  5000,
		NowaitPatterns: []string{},
	},

	NATS: NATSConfiguration{
		URL:              "nats://localhost:4222",
		SubjectPrefix:    "lagless.write",
		RequestTimeoutMS: 5000,
		MaxAttempts:      3,
	},

	Primary: PrimaryConfiguration{
		IdempotencyCacheSize: 4096,
		CompressionMinBytes:  1024,
	},

	Replica: ReplicaConfiguration{
		ProgressTable:  "replication_progress",
		ProgressColumn: "applied_seq",
	},

	Publisher: PublisherConfiguration{
		Enabled:    false,
		BufferSize: 1024,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *CurrentRegionFlag != "" {
		Config.Replication.CurrentRegion = *CurrentRegionFlag
	}
	if *PrimaryRegionFlag != "" {
		Config.Replication.PrimaryRegion = *PrimaryRegionFlag
	}
	if *NATSURLFlag != "" {
		Config.NATS.URL = *NATSURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("lagless")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Replication.PrimaryRegion == "" {
		return fmt.Errorf("replication.primary_region is required")
	}

	if Config.Replication.CurrentRegion == "" {
		return fmt.Errorf("replication.current_region is required")
	}

	if Config.Replication.PollIntervalMS < 1 {
		return fmt.Errorf("poll interval must be >= 1ms")
	}

	if Config.Replication.PollTimeoutMS < 1 {
		return fmt.Errorf("poll timeout must be >= 1ms")
	}

	if Config.Replication.MaxBackoffMS < Config.Replication.PollIntervalMS {
		return fmt.Errorf("max backoff must be >= poll interval")
	}

	if Config.Replication.WaitTimeoutMS < 1 {
		return fmt.Errorf("wait timeout must be >= 1ms")
	}

	if Config.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}

	if Config.NATS.RequestTimeoutMS < 1 {
		return fmt.Errorf("NATS request timeout must be >= 1ms")
	}

	if Config.Primary.IdempotencyCacheSize < 1 {
		return fmt.Errorf("idempotency cache size must be >= 1")
	}

	if IsPrimary() && Config.Primary.DSN == "" {
		return fmt.Errorf("primary.dsn is required when current region hosts the primary")
	}

	if !IsPrimary() && Config.Replica.DSN == "" {
		return fmt.Errorf("replica.dsn is required on replica regions")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Publisher.Enabled && len(Config.Publisher.Sinks) == 0 {
		return fmt.Errorf("publisher enabled but no sinks configured")
	}

	for _, sink := range Config.Publisher.Sinks {
		switch sink.Type {
		case SinkKafka:
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("kafka sink requires at least one broker")
			}
		case SinkNATS:
			if sink.NatsURL == "" {
				return fmt.Errorf("nats sink requires nats_url")
			}
		default:
			return fmt.Errorf("unknown sink type: %s", sink.Type)
		}
		if sink.Topic == "" {
			return fmt.Errorf("sink requires a topic")
		}
	}

	return nil
}

// IsPrimary reports whether this node's region hosts the primary database
func IsPrimary() bool {
	return Config.Replication.CurrentRegion == Config.Replication.PrimaryRegion
}
