package main

import (
	"context"
	"database/sql"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/lagless/admin"
	"github.com/maxpert/lagless/cfg"
	"github.com/maxpert/lagless/publisher"
	_ "github.com/maxpert/lagless/publisher/sink" // Register kafka and nats sink factories
	"github.com/maxpert/lagless/replication"
	"github.com/maxpert/lagless/router"
	"github.com/maxpert/lagless/rpc"
	"github.com/maxpert/lagless/source"
	"github.com/maxpert/lagless/telemetry"

	_ "github.com/doug-martin/goqu/v9/dialect/mysql" // Register goqu mysql dialect
	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Str("region", cfg.Config.Replication.CurrentRegion).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Lagless - Region-Aware Write Gateway")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Phase 1: Connect to NATS
	log.Info().Str("url", cfg.Config.NATS.URL).Msg("Connecting to NATS")
	nc, err := rpc.Connect(cfg.Config.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
		return
	}
	defer nc.Close()

	// Phase 2: Set up write execution for this node's role
	var localExec router.Executor = unroutableExecutor{}
	var positionSource replication.PositionSource

	if cfg.IsPrimary() {
		log.Info().Msg("Node hosts the primary region - starting write handler")

		primaryDB, err := sql.Open("mysql", cfg.Config.Primary.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open primary database")
			return
		}
		defer primaryDB.Close()

		handler, err := rpc.NewHandler(primaryDB, rpc.HandlerConfig{
			Region:               cfg.Config.Replication.PrimaryRegion,
			SubjectPrefix:        cfg.Config.NATS.SubjectPrefix,
			ProgressTable:        cfg.Config.Replica.ProgressTable,
			ProgressColumn:       cfg.Config.Replica.ProgressColumn,
			IdempotencyCacheSize: cfg.Config.Primary.IdempotencyCacheSize,
			CompressionMinBytes:  cfg.Config.Primary.CompressionMinBytes,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create write handler")
			return
		}

		sub, err := handler.Start(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start write handler")
			return
		}
		defer sub.Unsubscribe()

		localExec = &primaryExecutor{handler: handler, nodeID: cfg.Config.NodeID}

		// The primary is its own position source unless a separate replica
		// database is configured for reads
		positionSource = replication.PositionSourceFunc(handler.Position)
	}

	if cfg.Config.Replica.DSN != "" {
		log.Info().Msg("Opening replica database")
		replicaDB, err := sql.Open("mysql", cfg.Config.Replica.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open replica database")
			return
		}
		defer replicaDB.Close()

		positionSource, err = source.New(replicaDB, source.Config{
			ProgressTable:  cfg.Config.Replica.ProgressTable,
			ProgressColumn: cfg.Config.Replica.ProgressColumn,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create position source")
			return
		}
	}

	// Phase 3: Position tracking
	tracker := replication.NewTracker(positionSource, replication.TrackerConfig{
		Poller: replication.PollerConfig{
			Interval:     time.Duration(cfg.Config.Replication.PollIntervalMS) * time.Millisecond,
			QueryTimeout: time.Duration(cfg.Config.Replication.PollTimeoutMS) * time.Millisecond,
			MaxBackoff:   time.Duration(cfg.Config.Replication.MaxBackoffMS) * time.Millisecond,
		},
		DefaultWaitTimeout: time.Duration(cfg.Config.Replication.WaitTimeoutMS) * time.Millisecond,
	})
	defer tracker.Close()

	log.Info().Msg("Position tracker initialized")

	client, err := rpc.NewClient(nc, rpc.ClientConfig{
		NodeID:              cfg.Config.NodeID,
		SubjectPrefix:       cfg.Config.NATS.SubjectPrefix,
		RequestTimeout:      time.Duration(cfg.Config.NATS.RequestTimeoutMS) * time.Millisecond,
		MaxAttempts:         cfg.Config.NATS.MaxAttempts,
		CompressionMinBytes: cfg.Config.Primary.CompressionMinBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create forwarding client")
		return
	}

	// Phase 4: Write event publisher
	var registry *publisher.Registry
	if cfg.Config.Publisher.Enabled {
		log.Info().Int("sinks", len(cfg.Config.Publisher.Sinks)).Msg("Initializing write event publisher")
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			BufferSize:        cfg.Config.Publisher.BufferSize,
			DatabasePatterns:  cfg.Config.Publisher.DatabasePatterns,
			OperationPatterns: cfg.Config.Publisher.OperationPatterns,
			Sinks:             cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize publisher")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publisher")
			return
		}
		defer registry.Stop()
	}

	// Phase 5: Write router
	routerCfg := router.Config{
		PrimaryRegion:  cfg.Config.Replication.PrimaryRegion,
		CurrentRegion:  cfg.Config.Replication.CurrentRegion,
		NowaitPatterns: cfg.Config.Replication.NowaitPatterns,
	}
	if registry != nil {
		routerCfg.OnCommit = func(op router.Operation, route router.Route, pos replication.Position) {
			registry.Publish(publisher.WriteEvent{
				Position:  uint64(pos),
				Database:  op.Database,
				Operation: op.Name,
				Region:    cfg.Config.Replication.CurrentRegion,
				Route:     route.String(),
				NodeID:    cfg.Config.NodeID,
				CommitTS:  time.Now().UnixMilli(),
			})
		}
	}

	writeRouter, err := router.New(routerCfg, localExec, client, tracker)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create write router")
		return
	}

	log.Info().
		Str("primary_region", cfg.Config.Replication.PrimaryRegion).
		Str("current_region", cfg.Config.Replication.CurrentRegion).
		Msg("Write router initialized")

	// Phase 6: Admin HTTP surface
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(
			cfg.Config.NodeID,
			cfg.Config.Replication.CurrentRegion,
			cfg.Config.Replication.PrimaryRegion,
			tracker,
			writeRouter,
		)
		adminServer := admin.NewServer(admin.ServerConfig{
			BindAddress: cfg.Config.Admin.BindAddress,
			Port:        cfg.Config.Admin.Port,
		}, handlers)
		adminServer.Start()
		defer adminServer.Stop(context.Background())
	}

	log.Info().Msg("Lagless started successfully")
	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Bool("is_primary", cfg.IsPrimary()).
		Int("admin_port", cfg.Config.Admin.Port).
		Msg("Node is operational")

	// Keep running
	select {}
}

// primaryExecutor runs local-route writes through the same handler that
// serves forwarded ones, so local writes bump the progress sequence too.
type primaryExecutor struct {
	handler *rpc.Handler
	nodeID  uint64
	seq     atomic.Uint64
}

func (p *primaryExecutor) Execute(ctx context.Context, op router.Operation) (*router.Result, error) {
	resp := p.handler.Execute(ctx, &rpc.WriteRequest{
		RequestID: p.nextRequestID(op),
		NodeID:    p.nodeID,
		Op:        op,
	})
	if !resp.Success {
		return nil, fmt.Errorf("local write failed: %s", resp.Error)
	}
	return &router.Result{
		RowsAffected: resp.RowsAffected,
		LastInsertID: resp.LastInsertID,
	}, nil
}

func (p *primaryExecutor) nextRequestID(op router.Operation) uint64 {
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[0:8], p.nodeID)
	binary.LittleEndian.PutUint64(seed[8:16], p.seq.Add(1))

	d := xxhash.New()
	d.Write(seed[:])
	d.WriteString(op.Name)
	d.WriteString(op.SQL)
	return d.Sum64()
}

// unroutableExecutor backs replica nodes, where the routing decision never
// selects the local path. Reaching it means the configuration is wrong.
type unroutableExecutor struct{}

func (unroutableExecutor) Execute(ctx context.Context, op router.Operation) (*router.Result, error) {
	return nil, fmt.Errorf("node does not host the primary region; operation %q cannot run locally", op.Name)
}
