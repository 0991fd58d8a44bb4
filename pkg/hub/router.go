// Package hub routes inbound events between live sessions: presence,
// broadcast with history, direct messages and friend-request negotiation.
package hub

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aeolun/relay/pkg/friends"
	"github.com/aeolun/relay/pkg/history"
	"github.com/aeolun/relay/pkg/presence"
	"github.com/aeolun/relay/pkg/protocol"
)

// AnonymousSender is used for broadcasts from sessions without an identity
const AnonymousSender = "Anonymous"

// Config holds the router limits and routing policy
type Config struct {
	MaxMessageLength  int // runes; longer chat text is truncated
	MaxIdentityLength int // runes; longer identities are rejected
	HistorySize       int // 0 disables history

	EchoBroadcast                   bool
	EchoDirect                      bool
	RequirePendingFriendRequest     bool
	SuppressDuplicateFriendRequests bool
}

// DefaultConfig returns the default router configuration
func DefaultConfig() Config {
	return Config{
		MaxMessageLength:            2000,
		MaxIdentityLength:           64,
		HistorySize:                 200,
		EchoBroadcast:               true,
		EchoDirect:                  false,
		RequirePendingFriendRequest: true,
	}
}

// Router is the single entry point for inbound events. Each transport read
// loop calls Handle synchronously, so events from one session are processed
// in the order they arrived.
type Router struct {
	cfg      Config
	sessions *SessionManager
	presence *presence.Registry[*Session]
	history  *history.Buffer[protocol.ChatMessage]
	friends  *friends.Graph
	metrics  *Metrics
	now      func() time.Time

	// fanout orders history pushes, broadcast fan-out and history replay,
	// so a connecting session sees each broadcast exactly once: either in
	// its history or live, after the history.
	fanout    sync.Mutex
	connected map[*Session]bool
	closed    bool
}

// NewRouter creates a router over sessions
func NewRouter(cfg Config, sessions *SessionManager, metrics *Metrics) *Router {
	return &Router{
		cfg:       cfg,
		sessions:  sessions,
		presence:  presence.New[*Session](),
		history:   history.New[protocol.ChatMessage](cfg.HistorySize),
		friends:   friends.NewGraph(),
		metrics:   metrics,
		now:       time.Now,
		connected: make(map[*Session]bool),
	}
}

// Sessions returns the router's session manager
func (r *Router) Sessions() *SessionManager {
	return r.sessions
}

// Lookup returns the session currently registered for identity
func (r *Router) Lookup(identity string) (*Session, bool) {
	return r.presence.Lookup(identity)
}

// Identities returns the sorted list of online identities
func (r *Router) Identities() []string {
	return r.presence.Identities()
}

// History returns a copy of the broadcast history, oldest first
func (r *Router) History() []protocol.ChatMessage {
	return r.history.Snapshot()
}

// FriendState returns the friend edge between a and b
func (r *Router) FriendState(a, b string) friends.Edge {
	return r.friends.State(a, b)
}

// Connect is called once for every new session, before its read loop starts.
// It replays history (possibly empty) when history is enabled; broadcasts
// reach the session only from here on. After Shutdown the session is closed.
func (r *Router) Connect(sess *Session) {
	r.fanout.Lock()
	defer r.fanout.Unlock()

	if r.closed {
		debugLog.Printf("Session %s: connected after shutdown, closing", sess.ID)
		r.sessions.RemoveSession(sess.ID)
		sess.Close()
		return
	}
	if r.cfg.HistorySize > 0 {
		r.send(sess, protocol.EventHistory, protocol.HistoryMessage(r.history.Snapshot()))
	}
	r.connected[sess] = true
}

// Disconnect removes the session and releases its identity, unless a newer
// session has registered the same identity in the meantime.
func (r *Router) Disconnect(sess *Session) {
	if identity := sess.Identity(); identity != "" {
		if r.presence.Unregister(identity, sess) {
			debugLog.Printf("Session %s: %q went offline", sess.ID, identity)
		} else {
			r.metrics.RecordStaleDisconnect()
			debugLog.Printf("Session %s: stale disconnect for %q ignored", sess.ID, identity)
		}
		r.metrics.RecordIdentities(r.presence.Len())
	}

	r.fanout.Lock()
	delete(r.connected, sess)
	r.fanout.Unlock()

	r.sessions.RemoveSession(sess.ID)
}

// Register binds identity to sess as if the client had sent "register".
// Used by transports that learn the identity during their handshake.
func (r *Router) Register(sess *Session, identity string) bool {
	return r.register(sess, identity)
}

// Handle routes one inbound event from sess. Invalid events are dropped.
func (r *Router) Handle(sess *Session, env *protocol.Envelope) {
	if env == nil {
		r.drop(sess, "", protocol.ErrMalformedEnvelope)
		return
	}
	r.metrics.RecordEventReceived(env.Event)

	switch env.Event {
	case protocol.EventRegister:
		r.handleRegister(sess, env)
	case protocol.EventChatMessage:
		r.handleChatMessage(sess, env)
	case protocol.EventPrivateMessage:
		r.handlePrivateMessage(sess, env)
	case protocol.EventFriendRequest:
		r.handleFriendRequest(sess, env)
	case protocol.EventFriendAccept:
		r.handleFriendAccept(sess, env)
	case protocol.EventFriendReject:
		r.handleFriendReject(sess, env)
	case protocol.EventIdentify:
		debugLog.Printf("Session %s: identify %s", sess.ID, string(env.Data))
	default:
		r.drop(sess, env.Event, protocol.ErrUnknownEvent)
	}
}

// Shutdown closes every session and forgets all state. Sessions connected
// afterwards are closed at once.
func (r *Router) Shutdown() {
	r.fanout.Lock()
	r.closed = true
	r.connected = make(map[*Session]bool)
	r.fanout.Unlock()

	r.sessions.CloseAll()
	r.presence.Clear()
	r.history.Clear()
	r.friends.Clear()
	r.metrics.RecordIdentities(0)
}

func (r *Router) handleRegister(sess *Session, env *protocol.Envelope) {
	var msg protocol.RegisterMessage
	if err := env.Decode(&msg); err != nil {
		r.drop(sess, env.Event, err)
		return
	}
	r.register(sess, msg.Identity)
}

func (r *Router) register(sess *Session, raw string) bool {
	identity := strings.TrimSpace(raw)
	if identity == "" || utf8.RuneCountInString(identity) > r.cfg.MaxIdentityLength {
		r.drop(sess, protocol.EventRegister, errInvalidIdentity)
		return false
	}

	current := sess.Identity()
	if current != "" && current != identity {
		r.presence.Unregister(current, sess)
	}

	if prev, replaced := r.presence.Register(identity, sess); replaced {
		debugLog.Printf("Session %s: took over %q from session %s", sess.ID, identity, prev.ID)
	}
	sess.setIdentity(identity)
	r.metrics.RecordIdentities(r.presence.Len())

	r.send(sess, protocol.EventRegistered, protocol.RegisteredMessage{Identity: identity})

	if current != identity {
		// Requests that arrived while this identity was on another session
		for _, from := range r.friends.Pending(identity) {
			r.send(sess, protocol.EventFriendRequest, protocol.FriendRequestMessage{From: from, To: identity})
		}
	}
	return true
}

func (r *Router) handleChatMessage(sess *Session, env *protocol.Envelope) {
	var msg protocol.ChatMessage
	if err := env.Decode(&msg); err != nil {
		r.drop(sess, env.Event, err)
		return
	}
	if msg.Text == "" {
		r.drop(sess, env.Event, errEmptyText)
		return
	}

	msg.Text = truncateRunes(msg.Text, r.cfg.MaxMessageLength)
	msg.Sender = firstNonEmpty(msg.Sender, msg.User, sess.Identity(), AnonymousSender)
	msg.User = ""
	if msg.Ts == 0 {
		msg.Ts = protocol.TimestampOf(r.now())
	}

	out, err := protocol.NewEnvelope(protocol.EventChatMessage, msg)
	if err != nil {
		errorLog.Printf("Session %s: %v", sess.ID, err)
		return
	}

	r.fanout.Lock()
	defer r.fanout.Unlock()

	r.history.Push(msg)

	recipients := 0
	for _, target := range r.sessions.GetAllSessions() {
		if !r.connected[target] || (target == sess && !r.cfg.EchoBroadcast) {
			continue
		}
		if target.Send(out) == nil {
			recipients++
		}
	}
	r.metrics.RecordBroadcastFanout(recipients)
}

func (r *Router) handlePrivateMessage(sess *Session, env *protocol.Envelope) {
	var msg protocol.PrivateMessage
	if err := env.Decode(&msg); err != nil {
		r.drop(sess, env.Event, err)
		return
	}
	msg.From = firstNonEmpty(msg.From, sess.Identity())
	if msg.To == "" || msg.From == "" || msg.Text == "" {
		r.drop(sess, env.Event, errMissingField)
		return
	}
	msg.Text = truncateRunes(msg.Text, r.cfg.MaxMessageLength)

	target, ok := r.presence.Lookup(msg.To)
	if !ok {
		r.metrics.RecordDrop(DropOffline)
		debugLog.Printf("Session %s: private message to offline %q dropped", sess.ID, msg.To)
		return
	}

	r.send(target, protocol.EventPrivateMessage, msg)
	if r.cfg.EchoDirect && target != sess {
		r.send(sess, protocol.EventPrivateMessage, msg)
	}
}

func (r *Router) handleFriendRequest(sess *Session, env *protocol.Envelope) {
	var msg protocol.FriendRequestMessage
	if err := env.Decode(&msg); err != nil {
		r.drop(sess, env.Event, err)
		return
	}
	msg.From = firstNonEmpty(msg.From, sess.Identity())
	if msg.From == "" || msg.To == "" || msg.From == msg.To {
		r.drop(sess, env.Event, errMissingField)
		return
	}

	target, ok := r.presence.Lookup(msg.To)
	if !ok {
		r.metrics.RecordDrop(DropOffline)
		r.send(sess, protocol.EventFriendRequestStatus, protocol.FriendRequestStatusMessage{
			To:     msg.To,
			Status: protocol.StatusUnavailable,
		})
		return
	}

	tr, err := r.friends.Request(msg.From, msg.To)
	switch {
	case errors.Is(err, friends.ErrAlreadyFriends):
		if r.cfg.RequirePendingFriendRequest {
			r.metrics.RecordDrop(DropDuplicate)
			debugLog.Printf("Session %s: %q and %q are already friends", sess.ID, msg.From, msg.To)
			return
		}
	case err != nil:
		r.drop(sess, env.Event, err)
		return
	case tr.Duplicate && r.cfg.SuppressDuplicateFriendRequests:
		r.metrics.RecordDrop(DropDuplicate)
		return
	default:
		r.metrics.RecordFriendTransition(tr.Edge.State.String())
	}

	r.send(target, protocol.EventFriendRequest, msg)
}

func (r *Router) handleFriendAccept(sess *Session, env *protocol.Envelope) {
	msg, ok := r.decodeFriendResponse(sess, env)
	if !ok {
		return
	}

	if !r.resolveFriendRequest(sess, env.Event, r.friends.Accept, msg) {
		return
	}

	if requester, ok := r.presence.Lookup(msg.From); ok {
		r.send(requester, protocol.EventFriendAccept, protocol.FriendResponseMessage{To: msg.To})
	}
	if accepter, ok := r.presence.Lookup(msg.To); ok {
		r.send(accepter, protocol.EventFriendAccept, protocol.FriendResponseMessage{To: msg.From})
	}
}

func (r *Router) handleFriendReject(sess *Session, env *protocol.Envelope) {
	msg, ok := r.decodeFriendResponse(sess, env)
	if !ok {
		return
	}

	if !r.resolveFriendRequest(sess, env.Event, r.friends.Reject, msg) {
		return
	}

	if requester, ok := r.presence.Lookup(msg.From); ok {
		r.send(requester, protocol.EventFriendReject, protocol.FriendResponseMessage{To: msg.To})
	} else {
		r.metrics.RecordDrop(DropOffline)
	}
}

func (r *Router) decodeFriendResponse(sess *Session, env *protocol.Envelope) (protocol.FriendResponseMessage, bool) {
	var msg protocol.FriendResponseMessage
	if err := env.Decode(&msg); err != nil {
		r.drop(sess, env.Event, err)
		return msg, false
	}
	msg.To = firstNonEmpty(msg.To, sess.Identity())
	if msg.From == "" || msg.To == "" || msg.From == msg.To {
		r.drop(sess, env.Event, errMissingField)
		return msg, false
	}
	return msg, true
}

// resolveFriendRequest applies an accept or reject transition. Without a
// matching pending request the event is dropped, unless the router is
// configured to trust the client.
func (r *Router) resolveFriendRequest(sess *Session, event string, apply func(requester, responder string) (friends.Edge, error), msg protocol.FriendResponseMessage) bool {
	edge, err := apply(msg.From, msg.To)
	if err == nil {
		r.metrics.RecordFriendTransition(edge.State.String())
		return true
	}
	if errors.Is(err, friends.ErrNoPendingRequest) && !r.cfg.RequirePendingFriendRequest {
		return true
	}
	r.drop(sess, event, err)
	return false
}

func (r *Router) send(sess *Session, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		errorLog.Printf("Session %s: %v", sess.ID, err)
		return
	}
	if err := sess.Send(env); err != nil {
		debugLog.Printf("Session %s: %q not delivered: %v", sess.ID, event, err)
	}
}

func (r *Router) drop(sess *Session, event string, err error) {
	reason := DropMalformed
	if errors.Is(err, friends.ErrNoPendingRequest) {
		reason = DropNoPendingRequest
	}
	r.metrics.RecordDrop(reason)
	debugLog.Printf("Session %s: dropped %q: %v", sess.ID, event, err)
}

var (
	errInvalidIdentity = errors.New("identity is blank or too long")
	errEmptyText       = errors.New("text is empty")
	errMissingField    = errors.New("required field missing")
)

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// firstNonEmpty returns the first value that is not blank, as given
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
