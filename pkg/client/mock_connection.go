package client

import (
	"sync"

	"github.com/aeolun/relay/pkg/protocol"
)

// MockConnection records sent events and lets tests inject inbound ones
type MockConnection struct {
	mu sync.Mutex

	address   string
	identity  string
	sendErr   error
	closed    bool
	closeOnce sync.Once

	incoming chan *protocol.Envelope

	// Sent holds every envelope passed to Send, in order
	Sent []*protocol.Envelope
}

// NewMockConnection creates a mock connected to address
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:  address,
		incoming: make(chan *protocol.Envelope, 100),
	}
}

func (m *MockConnection) Address() string   { return m.address }
func (m *MockConnection) Transport() string { return TransportWebSocket }

func (m *MockConnection) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SetIdentity simulates a "registered" confirmation
func (m *MockConnection) SetIdentity(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
}

// SetSendError makes every following Send fail with err
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockConnection) Send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.Sent = append(m.Sent, env)
	return nil
}

func (m *MockConnection) Register(identity string) error {
	return m.Send(protocol.EventRegister, identity)
}

func (m *MockConnection) Chat(room, text string) error {
	return m.Send(protocol.EventChatMessage, protocol.ChatMessage{Room: room, Text: text})
}

func (m *MockConnection) Direct(to, text string) error {
	return m.Send(protocol.EventPrivateMessage, protocol.PrivateMessage{To: to, Text: text})
}

func (m *MockConnection) FriendRequest(to string) error {
	return m.Send(protocol.EventFriendRequest, protocol.FriendRequestMessage{To: to})
}

func (m *MockConnection) FriendAccept(requester string) error {
	return m.Send(protocol.EventFriendAccept, protocol.FriendResponseMessage{From: requester, To: m.Identity()})
}

func (m *MockConnection) FriendReject(requester string) error {
	return m.Send(protocol.EventFriendReject, protocol.FriendResponseMessage{From: requester, To: m.Identity()})
}

// Deliver queues an inbound event
func (m *MockConnection) Deliver(env *protocol.Envelope) {
	m.incoming <- env
}

func (m *MockConnection) Events() <-chan *protocol.Envelope { return m.incoming }
func (m *MockConnection) Err() error                        { return nil }

func (m *MockConnection) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.incoming)
	})
	return nil
}

// SentEvents returns a copy of the sent envelopes
func (m *MockConnection) SentEvents() []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Envelope, len(m.Sent))
	copy(out, m.Sent)
	return out
}
