package session

import (
	"sync"
	"time"

	"github.com/teslashibe/go-voicedesk/pkg/protocol"
)

// MockTransport implements Transport for testing.
// It records every message and can inject send failures.
type MockTransport struct {
	// SendFunc is called when Send is invoked. If nil, Send succeeds.
	SendFunc func(msg *protocol.Message) error

	mu       sync.Mutex
	messages []*protocol.Message
	closed   bool
	notify   chan struct{}
}

// NewMockTransport creates a recording transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{notify: make(chan struct{}, 1)}
}

// Send records msg.
func (m *MockTransport) Send(msg *protocol.Message) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Messages returns a copy of all recorded messages.
func (m *MockTransport) Messages() []*protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Types returns the types of all recorded messages in order.
func (m *MockTransport) Types() []protocol.MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.MessageType, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.Type
	}
	return out
}

// OfType returns recorded messages of type t.
func (m *MockTransport) OfType(t protocol.MessageType) []*protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*protocol.Message
	for _, msg := range m.messages {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// WaitFor blocks until a message of type t was recorded or timeout elapses.
func (m *MockTransport) WaitFor(t protocol.MessageType, timeout time.Duration) (*protocol.Message, bool) {
	deadline := time.After(timeout)
	for {
		if msgs := m.OfType(t); len(msgs) > 0 {
			return msgs[0], true
		}
		select {
		case <-m.notify:
		case <-deadline:
			return nil, false
		}
	}
}

// Reset clears recorded messages.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Verify MockTransport implements Transport at compile time.
var _ Transport = (*MockTransport)(nil)
