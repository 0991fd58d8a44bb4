package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aeolun/relay/pkg/client"
	"github.com/aeolun/relay/pkg/protocol"
)

// MessageHandler is called when a message is received.
type MessageHandler func(ctx *Context, msg *Message)

// FriendRequestHandler decides whether to accept a friend request from the
// given identity.
type FriendRequestHandler func(from string) bool

// DialFunc opens a connection to the server
type DialFunc func(ctx context.Context, addr string) (client.ConnectionInterface, error)

// Config holds the bot configuration.
type Config struct {
	// Server address, any form client.Dial accepts
	Server string

	// Identity to register. Ignored over SSH, where the login name is used.
	Identity string

	// Rooms to listen in. Empty means every room, including unscoped lines.
	Rooms []string

	// AcceptFriends accepts every friend request unless OnFriendRequest is set
	AcceptFriends bool

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ResponseTimeout bounds the wait for registration (default: 10s)
	ResponseTimeout time.Duration

	// Dial overrides client.Dial, for tests
	Dial DialFunc
}

// Bot represents a relay bot instance.
type Bot struct {
	config Config
	conn   client.ConnectionInterface
	logger *log.Logger
	rooms  map[string]bool

	mu       sync.RWMutex
	identity string

	// Handlers
	onMessage       MessageHandler
	onMention       MessageHandler
	onDirect        MessageHandler
	onFriendRequest FriendRequestHandler
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.Dial == nil {
		logger := config.Logger
		config.Dial = func(ctx context.Context, addr string) (client.ConnectionInterface, error) {
			return client.Dial(ctx, addr, client.Options{Logger: logger})
		}
	}

	rooms := make(map[string]bool, len(config.Rooms))
	for _, room := range config.Rooms {
		rooms[room] = true
	}

	return &Bot{
		config: config,
		logger: config.Logger,
		rooms:  rooms,
	}
}

// OnMessage registers a handler for chat lines that do not mention the bot.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for chat lines that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// OnDirect registers a handler for direct messages. Without one, direct
// messages go to the mention handler.
func (b *Bot) OnDirect(handler MessageHandler) {
	b.onDirect = handler
}

// OnFriendRequest registers a handler deciding friend requests.
func (b *Bot) OnFriendRequest(handler FriendRequestHandler) {
	b.onFriendRequest = handler
}

// Identity returns the identity the server confirmed
func (b *Bot) Identity() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

// Run connects, registers and dispatches events until ctx is cancelled or
// the connection is lost. A cancelled ctx returns nil.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Printf("Connecting to %s...", b.config.Server)
	conn, err := b.config.Dial(ctx, b.config.Server)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	b.conn = conn
	defer conn.Close()

	if err := b.register(ctx); err != nil {
		return err
	}
	b.logger.Printf("Registered as %s. Bot is running.", b.Identity())

	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("Stop requested")
			return nil
		case env, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return fmt.Errorf("connection lost: %w", err)
				}
				return errors.New("connection closed")
			}
			b.handleEvent(env)
		}
	}
}

// register claims the configured identity and waits for the confirmation.
// SSH connections are registered by the server from the login name.
func (b *Bot) register(ctx context.Context) error {
	if b.conn.Transport() != client.TransportSSH {
		if b.config.Identity == "" {
			return errors.New("identity is required")
		}
		if err := b.conn.Register(b.config.Identity); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}

	timeout := time.NewTimer(b.config.ResponseTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.New("register: timed out waiting for confirmation")
		case env, ok := <-b.conn.Events():
			if !ok {
				return fmt.Errorf("register: connection closed: %v", b.conn.Err())
			}
			if env.Event != protocol.EventRegistered {
				b.handleEvent(env)
				continue
			}
			var msg protocol.RegisteredMessage
			if err := env.Decode(&msg); err != nil {
				return fmt.Errorf("register: %w", err)
			}
			b.mu.Lock()
			b.identity = msg.Identity
			b.mu.Unlock()
			return nil
		}
	}
}

func (b *Bot) handleEvent(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventChatMessage:
		var chat protocol.ChatMessage
		if err := env.Decode(&chat); err != nil {
			b.logger.Printf("Failed to decode chat message: %v", err)
			return
		}
		b.handleChat(chat)

	case protocol.EventPrivateMessage:
		var dm protocol.PrivateMessage
		if err := env.Decode(&dm); err != nil {
			b.logger.Printf("Failed to decode private message: %v", err)
			return
		}
		b.handleDirect(dm)

	case protocol.EventFriendRequest:
		var req protocol.FriendRequestMessage
		if err := env.Decode(&req); err != nil || req.From == "" {
			return
		}
		b.handleFriendRequest(req.From)

	case protocol.EventRegistered, protocol.EventHistory, protocol.EventFriendRequestStatus,
		protocol.EventFriendAccept, protocol.EventFriendReject:
		// Nothing to react to

	default:
		b.logger.Printf("Received event %q", env.Event)
	}
}

func (b *Bot) handleChat(chat protocol.ChatMessage) {
	identity := b.Identity()

	// Skip our own messages
	if identity != "" && chat.Sender == identity {
		return
	}
	if len(b.rooms) > 0 && !b.rooms[chat.Room] {
		return
	}

	msg := &Message{
		Room:        chat.Room,
		Sender:      chat.Sender,
		Text:        chat.Text,
		Time:        time.Now(),
		botIdentity: identity,
	}
	if chat.Ts > 0 {
		msg.Time = chat.Ts.Time()
	}
	ctx := &Context{bot: b, message: msg}

	if msg.MentionsMe() && b.onMention != nil {
		b.onMention(ctx, msg)
		return
	}
	if b.onMessage != nil {
		b.onMessage(ctx, msg)
	}
}

func (b *Bot) handleDirect(dm protocol.PrivateMessage) {
	identity := b.Identity()
	if identity != "" && dm.From == identity {
		return
	}

	msg := &Message{
		Sender:      dm.From,
		Text:        dm.Text,
		Time:        time.Now(),
		Direct:      true,
		botIdentity: identity,
	}
	ctx := &Context{bot: b, message: msg}

	switch {
	case b.onDirect != nil:
		b.onDirect(ctx, msg)
	case b.onMention != nil:
		b.onMention(ctx, msg)
	}
}

func (b *Bot) handleFriendRequest(from string) {
	accept := b.config.AcceptFriends
	if b.onFriendRequest != nil {
		accept = b.onFriendRequest(from)
	}

	var err error
	if accept {
		err = b.conn.FriendAccept(from)
	} else {
		err = b.conn.FriendReject(from)
	}
	if err != nil {
		b.logger.Printf("Failed to answer friend request from %s: %v", from, err)
		return
	}
	b.logger.Printf("Friend request from %s: accepted=%t", from, accept)
}
