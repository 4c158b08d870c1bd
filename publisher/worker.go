package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/lagless/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Default capacity of a worker's event buffer
	DefaultBufferSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum retry attempts before an event is abandoned
	DefaultMaxRetries = 10
)

// WorkerConfig configures a per-sink publisher worker
type WorkerConfig struct {
	Name            string        // Sink name for logging and metrics
	Sink            Sink          // Destination sink
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g. "lagless.writes")
	BufferSize      int           // Event buffer capacity
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Retry attempts before dropping an event
}

// Worker drains its event buffer and publishes to a single sink. Enqueueing
// never blocks the write path: when the buffer is full the event is dropped
// and counted, because a slow sink must not slow down writes.
type Worker struct {
	config      WorkerConfig
	events      chan WriteEvent
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a publisher worker for one sink
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		events: make(chan WriteEvent, config.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Int("buffer", cap(w.events)).
		Msg("Starting write event publisher worker")

	go w.drainLoop()
}

// Stop stops the worker gracefully, publishing what is already buffered
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping write event publisher worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)
}

// Enqueue offers an event to the worker without blocking. Returns false if
// the event was dropped because the buffer is full or the worker is stopped.
func (w *Worker) Enqueue(event WriteEvent) bool {
	if !w.running.Load() {
		return false
	}
	if !w.config.Filter.Match(event.Database, event.Operation) {
		return true // Filtered, not dropped
	}

	select {
	case w.events <- event:
		return true
	default:
		telemetry.EventsDroppedTotal.Inc()
		log.Warn().
			Str("worker", w.config.Name).
			Uint64("position", event.Position).
			Msg("Publish buffer full, dropping write event")
		return false
	}
}

func (w *Worker) drainLoop() {
	defer close(w.doneCh)

	for {
		select {
		case event := <-w.events:
			w.publish(event)
		case <-w.stopCh:
			// Drain what is already buffered before exiting
			for {
				select {
				case event := <-w.events:
					w.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) publish(event WriteEvent) {
	data, err := msgpack.Marshal(&event)
	if err != nil {
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Msg("Failed to encode write event")
		telemetry.EventsPublishedTotal.With(w.config.Name, "error").Inc()
		return
	}

	topic := w.buildTopic(event.Database)
	if err := w.publishWithRetry(topic, event.Operation, data); err != nil {
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Uint64("position", event.Position).
			Msg("Abandoning write event after retries")
		telemetry.EventsPublishedTotal.With(w.config.Name, "error").Inc()
		return
	}

	telemetry.EventsPublishedTotal.With(w.config.Name, "ok").Inc()
}

func (w *Worker) buildTopic(database string) string {
	if w.config.TopicPrefix == "" {
		return database
	}
	return fmt.Sprintf("%s.%s", w.config.TopicPrefix, database)
}

// publishWithRetry publishes data with exponential backoff, giving up after
// MaxRetries attempts or when the worker is stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted %d attempts for topic %s: %w", attempts, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish write event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry: %w", err)
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits for d, returning false if the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
