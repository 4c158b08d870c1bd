package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/lagless/cfg"
	"github.com/maxpert/lagless/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	publishTimeout  = 5 * time.Second
	streamRetention = 24 * time.Hour
)

func init() {
	publisher.RegisterSink(cfg.SinkNATS, func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// jetStreamAPI is the slice of jetstream.JetStream the sink needs
type jetStreamAPI interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NatsSink publishes write events to NATS JetStream subjects. Each topic is
// backed by a file-storage stream that the sink creates on first use.
type NatsSink struct {
	nc *nats.Conn
	js jetStreamAPI

	mu      sync.Mutex
	streams map[string]struct{} // topics whose stream is known to exist
}

// NewNatsSink creates a NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: make(map[string]struct{})}, nil
}

// Publish sends one event to a JetStream subject
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := nats.NewMsg(topic)
	msg.Data = value
	msg.Header.Set("key", key)

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// ensureStream creates the topic's backing stream the first time the topic
// is published to. Subsequent publishes skip the round trip.
func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.streams[topic]; ok {
		return nil
	}

	name := sanitizeStreamName(topic)
	spec := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamRetention,
	}
	if _, err := n.js.CreateOrUpdateStream(ctx, spec); err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	n.streams[topic] = struct{}{}
	return nil
}

// Close closes the NATS connection
func (n *NatsSink) Close() error {
	n.nc.Close()
	return nil
}

// sanitizeStreamName converts a subject into a valid JetStream stream name.
// Stream names cannot contain dots.
func sanitizeStreamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, ".", "_"))
}
