// Package client connects to a relay server over any of its transports and
// exposes the event stream as a channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

// ErrClosed is returned when sending on a closed client
var ErrClosed = errors.New("client closed")

const defaultDialTimeout = 5 * time.Second

// Options tunes Dial. The zero value is usable.
type Options struct {
	DialTimeout time.Duration
	// EventBuffer sizes the Events channel (default 100)
	EventBuffer int
	// SSHSigners overrides the agent and ~/.ssh keys
	SSHSigners []ssh.Signer
	// HostKeyCallback overrides trust-on-first-use known_hosts checking
	HostKeyCallback ssh.HostKeyCallback
	Logger          *log.Logger
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return defaultDialTimeout
}

// conn moves envelopes over one transport
type conn interface {
	writeEnvelope(env *protocol.Envelope) error
	readEnvelope() (*protocol.Envelope, error)
	Close() error
}

// Client is a connection to a relay server. Inbound events are delivered on
// Events until the connection ends, then the channel is closed and Err
// reports why.
type Client struct {
	addr    serverAddress
	conn    conn
	warning string
	logger  *log.Logger

	sendMu  sync.Mutex
	events  chan *protocol.Envelope
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	mu       sync.RWMutex
	identity string
	err      error

	eventsSent     atomic.Uint64
	eventsReceived atomic.Uint64
}

// Dial connects to addr. The scheme selects the transport: none or tcp://
// for framed TCP, ssh:// for SSH and ws:// or wss:// for WebSocket. Over SSH
// the server registers the login user, see Client.Identity.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	parsed, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		addr:    parsed,
		logger:  opts.Logger,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 100
	}
	c.events = make(chan *protocol.Envelope, buffer)

	switch parsed.transport {
	case TransportTCP:
		dialer := net.Dialer{Timeout: opts.dialTimeout()}
		netConn, err := dialer.DialContext(ctx, "tcp", parsed.hostPort())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", parsed, err)
		}
		if tcpConn, ok := netConn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		c.conn = &frameConn{rw: netConn}

	case TransportSSH:
		sshConn, warning, err := dialSSH(ctx, parsed, opts)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", parsed, err)
		}
		c.conn = &frameConn{rw: sshConn}
		c.warning = warning

	case TransportWebSocket:
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.dialTimeout(),
		}
		wsConn, _, err := dialer.DialContext(ctx, parsed.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", parsed, err)
		}
		c.conn = &websocketConn{conn: wsConn}
	}

	c.logf("Connected to %s", parsed)
	go c.readLoop()
	return c, nil
}

// Address returns the server address with its scheme
func (c *Client) Address() string {
	return c.addr.String()
}

// Transport returns "tcp", "ssh" or "websocket"
func (c *Client) Transport() string {
	return c.addr.transport
}

// Warning returns a message the user should see about the connection, such
// as an SSH host key trusted on first use
func (c *Client) Warning() string {
	return c.warning
}

// Identity returns the identity last confirmed by a "registered" event
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Events delivers inbound events. It is closed when the connection ends.
func (c *Client) Events() <-chan *protocol.Envelope {
	return c.events
}

// Done is closed once the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is open or after Close
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// EventsSent returns the number of events written
func (c *Client) EventsSent() uint64 {
	return c.eventsSent.Load()
}

// EventsReceived returns the number of events read
func (c *Client) EventsReceived() uint64 {
	return c.eventsReceived.Load()
}

// Send writes one event. Safe for concurrent use.
func (c *Client) Send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.conn.writeEnvelope(env); err != nil {
		return fmt.Errorf("send %q: %w", event, err)
	}
	c.eventsSent.Add(1)
	c.logf("→ SEND: %q (%d bytes)", event, len(env.Data))
	return nil
}

// Register claims identity for this connection
func (c *Client) Register(identity string) error {
	return c.Send(protocol.EventRegister, identity)
}

// Chat broadcasts text to every connected client
func (c *Client) Chat(room, text string) error {
	return c.Send(protocol.EventChatMessage, protocol.ChatMessage{Room: room, Text: text})
}

// Direct sends text to a single identity
func (c *Client) Direct(to, text string) error {
	return c.Send(protocol.EventPrivateMessage, protocol.PrivateMessage{To: to, Text: text})
}

// FriendRequest asks to to become friends
func (c *Client) FriendRequest(to string) error {
	return c.Send(protocol.EventFriendRequest, protocol.FriendRequestMessage{To: to})
}

// FriendAccept accepts the pending request from requester
func (c *Client) FriendAccept(requester string) error {
	return c.Send(protocol.EventFriendAccept, protocol.FriendResponseMessage{From: requester, To: c.Identity()})
}

// FriendReject rejects the pending request from requester
func (c *Client) FriendReject(requester string) error {
	return c.Send(protocol.EventFriendReject, protocol.FriendResponseMessage{From: requester, To: c.Identity()})
}

// Close ends the connection. Events is closed once the reader has stopped.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		env, err := c.conn.readEnvelope()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, protocol.ErrUnknownEvent) || errors.Is(err, protocol.ErrMalformedEnvelope) {
				c.logf("Skipping unreadable event: %v", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed by server: %w", err)
			}
			c.logf("Read error: %v", err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.closed.Store(true)
			c.conn.Close()
			return
		}

		c.eventsReceived.Add(1)
		c.logf("← RECV: %q (%d bytes)", env.Event, len(env.Data))

		if env.Event == protocol.EventRegistered {
			var msg protocol.RegisteredMessage
			if env.Decode(&msg) == nil {
				c.mu.Lock()
				c.identity = msg.Identity
				c.mu.Unlock()
			}
		}

		select {
		case c.events <- env:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// frameConn carries binary frames over TCP or an SSH channel
type frameConn struct {
	rw io.ReadWriteCloser
}

func (f *frameConn) writeEnvelope(env *protocol.Envelope) error {
	return protocol.WriteEnvelope(f.rw, env)
}

func (f *frameConn) readEnvelope() (*protocol.Envelope, error) {
	return protocol.ReadEnvelope(f.rw)
}

func (f *frameConn) Close() error {
	return f.rw.Close()
}

// websocketConn carries JSON envelopes in text messages
type websocketConn struct {
	conn *websocket.Conn
}

func (w *websocketConn) writeEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *websocketConn) readEnvelope() (*protocol.Envelope, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage:
			return protocol.ParseEnvelope(data)
		case websocket.BinaryMessage:
			return protocol.ReadEnvelope(bytes.NewReader(data))
		}
	}
}

func (w *websocketConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.conn.Close()
}
