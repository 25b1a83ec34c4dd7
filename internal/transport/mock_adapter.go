package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter and TypingNotifier for testing. It records
// sent messages and allows simulating inbound traffic via SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Inbound
	sent      []Outbound
	typing    []int64
	sendErr   error
	nextID    int64
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan Inbound, 100),
	}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Inbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and returns a fresh message id.
func (m *MockAdapter) Send(ctx context.Context, msg Outbound) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.sent = append(m.sent, msg)
	m.nextID++
	return m.nextID, nil
}

// NotifyTyping records the typing signal (implements TypingNotifier).
func (m *MockAdapter) NotifyTyping(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, chatID)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound feeds a message into the inbound channel as if it came
// from the platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg Inbound) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// SetSendError makes subsequent Send calls fail with err.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// LastSent returns the most recently sent outbound message, and false when
// nothing has been sent.
func (m *MockAdapter) LastSent() (Outbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Outbound{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outbound, len(m.sent))
	copy(out, m.sent)
	return out
}

// TypingCount returns how many typing notifications were recorded.
func (m *MockAdapter) TypingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.typing)
}
