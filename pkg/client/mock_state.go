package client

import "sync"

// MockState is an in-memory StateInterface
type MockState struct {
	mu       sync.Mutex
	identity string
	servers  []string
}

// NewMockState creates an empty mock state
func NewMockState() *MockState {
	return &MockState{}
}

func (m *MockState) GetLastIdentity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *MockState) SetLastIdentity(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
	return nil
}

func (m *MockState) SaveSuccessfulConnection(address, transport string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, address)
	return nil
}

func (m *MockState) GetLastServer() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.servers) == 0 {
		return "", nil
	}
	return m.servers[len(m.servers)-1], nil
}

func (m *MockState) Close() error { return nil }
