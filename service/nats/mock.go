package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	published    []*EventMessage
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishEvent records the message and returns any configured error.
func (m *MockPublisher) PublishEvent(ctx context.Context, msg *EventMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.published = append(m.published, msg)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns a copy of every published message.
func (m *MockPublisher) Published() []*EventMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*EventMessage, len(m.published))
	copy(out, m.published)
	return out
}

// PublishedForWallet returns messages published for one wallet.
func (m *MockPublisher) PublishedForWallet(wallet string) []*EventMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EventMessage
	for _, msg := range m.published {
		if msg.Wallet == wallet {
			out = append(out, msg)
		}
	}
	return out
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
