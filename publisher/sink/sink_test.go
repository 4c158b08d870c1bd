package sink

import (
	"context"
	"testing"

	"github.com/maxpert/lagless/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Compile-time interface checks
var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Error("expected error when no brokers configured")
	}
}

type fakeJetStream struct {
	ensured   []jetstream.StreamConfig
	published []*nats.Msg
}

func (f *fakeJetStream) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.ensured = append(f.ensured, cfg)
	return nil, nil
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.published = append(f.published, msg)
	return &jetstream.PubAck{}, nil
}

func TestNatsSink_EnsuresStreamOncePerTopic(t *testing.T) {
	js := &fakeJetStream{}
	n := &NatsSink{js: js, streams: make(map[string]struct{})}

	for i := 0; i < 3; i++ {
		if err := n.Publish("lagless.writes.app", "k1", []byte("v")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := n.Publish("lagless.writes.other", "k2", []byte("v")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(js.ensured) != 2 {
		t.Fatalf("expected one stream creation per topic, got %d", len(js.ensured))
	}
	if js.ensured[0].Name != "LAGLESS_WRITES_APP" || js.ensured[1].Name != "LAGLESS_WRITES_OTHER" {
		t.Errorf("unexpected stream names: %+v", js.ensured)
	}

	if len(js.published) != 4 {
		t.Fatalf("expected 4 published messages, got %d", len(js.published))
	}
	first := js.published[0]
	if first.Subject != "lagless.writes.app" || first.Header.Get("key") != "k1" {
		t.Errorf("unexpected message: subject=%q key=%q", first.Subject, first.Header.Get("key"))
	}
}

func TestSanitizeStreamName(t *testing.T) {
	cases := map[string]string{
		"lagless.writes.app": "LAGLESS_WRITES_APP",
		"plain":              "PLAIN",
	}
	for in, want := range cases {
		if got := sanitizeStreamName(in); got != want {
			t.Errorf("sanitizeStreamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockSink_RecordsAndFails(t *testing.T) {
	m := NewMockSink()

	m.FailNext(1)
	if err := m.Publish("t", "k", []byte("v")); err == nil {
		t.Error("expected injected failure")
	}

	if err := m.Publish("t", "k", []byte("v")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := m.Messages()
	if len(msgs) != 1 || msgs[0].Topic != "t" || string(msgs[0].Value) != "v" {
		t.Errorf("unexpected recorded messages: %+v", msgs)
	}

	m.Close()
	if !m.Closed() {
		t.Error("expected sink to report closed")
	}
}
