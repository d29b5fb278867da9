package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Message is one message accepted by Mock.
type Message struct {
	RoutingKey string
	Body       []byte
}

// Mock is an in-memory Publisher. It honours the Publisher contract (Publish
// before Connect fails with ErrNotConnected) and records every accepted
// message. It backs the tests and the --mock flag for running without a broker.
type Mock struct {
	mu        sync.Mutex
	connected bool
	attempts  int
	published []Message
	fail      func(routingKey string, body []byte) error
}

// NewMock returns an unconnected Mock that accepts every message.
func NewMock() *Mock {
	return &Mock{}
}

// SetFailure installs fn, consulted before each publish; a non-nil return
// fails that publish. A nil fn restores success.
func (m *Mock) SetFailure(fn func(routingKey string, body []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *Mock) Connect(_ context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	slog.Info("broker: mock connected")
	return nil
}

func (m *Mock) Publish(_ context.Context, body []byte, routingKey string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if !m.connected {
		slog.Warn("broker: mock publish rejected, not connected",
			"routing_key", routingKey, "preview", Preview(body))
		return ErrNotConnected
	}
	if m.fail != nil {
		if err := m.fail(routingKey, body); err != nil {
			slog.Warn("broker: mock publish failed",
				"routing_key", routingKey, "preview", Preview(body), "err", err)
			return err
		}
	}

	cp := make([]byte, len(body))
	copy(cp, body)
	m.published = append(m.published, Message{RoutingKey: routingKey, Body: cp})
	slog.Info("broker: mock published", "routing_key", routingKey, "preview", Preview(body))
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.connected = false
		slog.Info("broker: mock closed")
	}
	return nil
}

// Connected reports whether Connect was called and Close was not.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Published returns a copy of the accepted messages in publish order.
func (m *Mock) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.published))
	copy(out, m.published)
	return out
}

// Attempts returns the number of Publish calls, successful or not.
func (m *Mock) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
