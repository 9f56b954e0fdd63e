package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Edit records an EditButtons call.
type Edit struct {
	Ref     MessageRef
	Text    string
	Buttons []Button
}

// Ack records an Answer call.
type Ack struct {
	CallbackID string
	Text       string
}

// MockAdapter implements Adapter for testing. It records sent messages,
// edits and answers, and allows simulating inbound events.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	sent      []OutboundMessage
	refs      []MessageRef
	edits     []Edit
	answers   []Ack
	botUserID string
	counter   int
	sendErr   error
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:   make(chan Event, 100),
		botUserID: "BOT",
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

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and returns a fresh reference.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return MessageRef{}, fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return MessageRef{}, m.sendErr
	}
	m.counter++
	ref := MessageRef{ChannelID: msg.ChannelID, MessageID: fmt.Sprintf("m%d", m.counter)}
	m.sent = append(m.sent, msg)
	m.refs = append(m.refs, ref)
	return ref, nil
}

// EditButtons records the edit.
func (m *MockAdapter) EditButtons(ctx context.Context, ref MessageRef, text string, buttons []Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.edits = append(m.edits, Edit{Ref: ref, Text: text, Buttons: buttons})
	return nil
}

// Answer records the acknowledgement.
func (m *MockAdapter) Answer(ctx context.Context, callbackID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, Ack{CallbackID: callbackID, Text: text})
	return nil
}

// Mention renders "<@id>".
func (m *MockAdapter) Mention(userID string) string {
	return "<@" + userID + ">"
}

// Link renders "label (url)".
func (m *MockAdapter) Link(url, label string) string {
	return label + " (" + url + ")"
}

// BotUserID returns the configured bot user ID.
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
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

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// SetSendError makes subsequent Send calls fail with err (nil clears it).
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Simulate pushes an event into the inbound channel as if it came from
// the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) Simulate(evt Event) {
	if tm, ok := evt.(TextMessage); ok && tm.Timestamp.IsZero() {
		tm.Timestamp = time.Now()
		evt = tm
	}
	m.inbound <- evt
}

// LastSent returns the most recently sent message and its reference.
func (m *MockAdapter) LastSent() (OutboundMessage, MessageRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, MessageRef{}, false
	}
	return m.sent[len(m.sent)-1], m.refs[len(m.refs)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the messages sent to channelID, in order.
func (m *MockAdapter) SentTo(channelID string) []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboundMessage
	for _, msg := range m.sent {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	return out
}

// RefOf returns the reference assigned to the i-th sent message.
func (m *MockAdapter) RefOf(i int) MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[i]
}

// Edits returns a copy of all recorded edits.
func (m *MockAdapter) Edits() []Edit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Edit, len(m.edits))
	copy(out, m.edits)
	return out
}

// Answers returns a copy of all recorded answers.
func (m *MockAdapter) Answers() []Ack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Ack, len(m.answers))
	copy(out, m.answers)
	return out
}
