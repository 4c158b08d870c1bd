package sink

import (
	"fmt"
	"sync"
)

// MockMessage records a single published message
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// MockSink records published messages for tests
type MockSink struct {
	mu       sync.Mutex
	messages []MockMessage
	failures int // Number of Publish calls that fail before succeeding
	closed   bool
}

// NewMockSink creates an in-memory sink
func NewMockSink() *MockSink {
	return &MockSink{}
}

// FailNext makes the next n Publish calls return an error
func (m *MockSink) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// Publish records the message, or fails if failures are pending
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("mock sink failure")
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: v})
	return nil
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of everything published so far
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
