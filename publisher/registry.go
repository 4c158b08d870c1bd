// Package publisher fans successful routed writes out to external sinks as
// an audit stream. Publishing is fire-and-forget from the write path's point
// of view.
package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/lagless/cfg"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the write-event publisher registry
type RegistryConfig struct {
	BufferSize        int      // Per-worker event buffer capacity
	DatabasePatterns  []string // Glob patterns selecting databases to publish
	OperationPatterns []string // Glob patterns selecting operations to publish
	Sinks             []cfg.SinkConfiguration
}

// Registry manages the lifecycle of all publisher workers
type Registry struct {
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a registry with one worker per configured sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	registry := &Registry{
		workers: make([]*Worker, 0, len(config.Sinks)),
	}

	for i, sinkCfg := range config.Sinks {
		if err := registry.addSink(config, sinkCfg, i); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add %s sink: %w", sinkCfg.Type, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Write event publisher initialized")

	return registry, nil
}

func (r *Registry) addSink(config RegistryConfig, sinkCfg cfg.SinkConfiguration, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(sinkCfg)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.DatabasePatterns, config.OperationPatterns)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        fmt.Sprintf("%s-%d", sinkCfg.Type, index),
		Sink:        snk,
		Filter:      filter,
		TopicPrefix: sinkCfg.Topic,
		BufferSize:  config.BufferSize,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("type", string(sinkCfg.Type)).
		Str("topic", sinkCfg.Topic).
		Msg("Added write event sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Swap(true) {
		return fmt.Errorf("registry already running")
	}

	for _, worker := range r.workers {
		worker.Start()
	}
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("worker", worker.config.Name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Write event publisher stopped")
}

// Publish offers an event to every worker without blocking
func (r *Registry) Publish(event WriteEvent) {
	if !r.running.Load() {
		return
	}
	for _, worker := range r.workers {
		worker.Enqueue(event)
	}
}

// SinkFactory creates a Sink from a sink configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[cfg.SinkType]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType cfg.SinkType, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}
