// Package messaging provides the chat transport gateway. The concrete
// implementation bridges a signal-cli REST service; tests use MockService.
package messaging

import (
	"context"
	"sync"

	"github.com/neurospicy/fibi/internal/models"
)

// Inbound is one received message together with the sender's number. The
// orchestration layer resolves the number to a friendship.
type Inbound struct {
	Number  string
	Message models.UserMessage
}

// Service is the messaging gateway port. Implementations must deliver each
// inbound message at most once per message ID; duplicate suppression across
// reconnects relies on the upstream service replaying only undelivered
// envelopes.
type Service interface {
	// Start connects and begins feeding Messages. It returns after the
	// connection is established; receiving runs in the background.
	Start(ctx context.Context) error
	// Stop disconnects and closes the Messages channel.
	Stop()
	// SendMessage delivers text to the given number.
	SendMessage(ctx context.Context, number, text string) error
	// SendTyping shows a typing indicator to the given number.
	SendTyping(ctx context.Context, number string) error
	// React attaches an emoji reaction to a received message.
	React(ctx context.Context, number string, timestamp int64, emoji string) error
	// Messages returns the inbound message stream.
	Messages() <-chan Inbound
}

// MockService implements Service in memory for tests.
type MockService struct {
	mu       sync.Mutex
	sent     []string
	messages chan Inbound
}

// NewMockService creates a mock with a buffered inbound channel.
func NewMockService() *MockService {
	return &MockService{messages: make(chan Inbound, 16)}
}

func (m *MockService) Start(context.Context) error { return nil }

func (m *MockService) Stop() { close(m.messages) }

func (m *MockService) SendMessage(_ context.Context, number, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, number+": "+text)
	return nil
}

func (m *MockService) SendTyping(context.Context, string) error { return nil }

func (m *MockService) React(context.Context, string, int64, string) error { return nil }

func (m *MockService) Messages() <-chan Inbound { return m.messages }

// Deliver injects an inbound message, as if received from the network.
func (m *MockService) Deliver(in Inbound) { m.messages <- in }

// Sent returns a copy of everything sent so far, formatted "number: text".
func (m *MockService) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}
