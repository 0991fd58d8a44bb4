package client

import (
	"github.com/aeolun/relay/pkg/protocol"
)

// ConnectionInterface is the part of Client the terminal UI and bots depend
// on, so tests can drive them with MockConnection
type ConnectionInterface interface {
	Address() string
	Transport() string
	Identity() string

	Send(event string, payload any) error
	Register(identity string) error
	Chat(room, text string) error
	Direct(to, text string) error
	FriendRequest(to string) error
	FriendAccept(requester string) error
	FriendReject(requester string) error

	Events() <-chan *protocol.Envelope
	Err() error
	Close() error
}

// StateInterface is the persistent client state the terminal UI uses
type StateInterface interface {
	GetLastIdentity() string
	SetLastIdentity(identity string) error
	SaveSuccessfulConnection(address, transport string) error
	GetLastServer() (string, error)
	Close() error
}

var (
	_ ConnectionInterface = (*Client)(nil)
	_ ConnectionInterface = (*MockConnection)(nil)
	_ StateInterface      = (*State)(nil)
)
