package sink

import (
	"errors"
	"sync"

	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/publisher"
)

// ErrMockUnavailable is returned by MockSink while it is set to fail
var ErrMockUnavailable = errors.New("mock sink unavailable")

func init() {
	// In-process sink for tests and dry runs
	publisher.RegisterSink("mock", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records published messages in memory
type MockSink struct {
	mu       sync.Mutex
	messages []MockMessage
	failNext int
	closed   bool
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// FailNext makes the next n publishes return ErrMockUnavailable
func (m *MockSink) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Publish records a message, or fails if FailNext is pending
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("mock sink closed")
	}
	if m.failNext > 0 {
		m.failNext--
		return ErrMockUnavailable
	}

	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Messages returns a copy of the recorded messages
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

// Close rejects later publishes
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.failNext = 0
}
