package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names as they appear on the wire
const (
	EventRegister            = "register"
	EventRegistered          = "registered"
	EventChatMessage         = "chat message"
	EventPrivateMessage      = "private message"
	EventFriendRequest       = "friend request"
	EventFriendRequestStatus = "friend request status"
	EventFriendAccept        = "friend accept"
	EventFriendReject        = "friend reject"
	EventHistory             = "history"
	EventIdentify            = "identify"
)

// Event type codes used by the framed transports (TCP, SSH).
// The same code is used in both directions.
const (
	TypeRegister            = 0x01
	TypeRegistered          = 0x02
	TypeChatMessage         = 0x03
	TypePrivateMessage      = 0x04
	TypeFriendRequest       = 0x05
	TypeFriendRequestStatus = 0x06
	TypeFriendAccept        = 0x07
	TypeFriendReject        = 0x08
	TypeHistory             = 0x09
	TypeIdentify            = 0x0A
)

// StatusUnavailable is the friend request status sent when the recipient is offline
const StatusUnavailable = "unavailable"

var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

var eventTypes = map[string]uint8{
	EventRegister:            TypeRegister,
	EventRegistered:          TypeRegistered,
	EventChatMessage:         TypeChatMessage,
	EventPrivateMessage:      TypePrivateMessage,
	EventFriendRequest:       TypeFriendRequest,
	EventFriendRequestStatus: TypeFriendRequestStatus,
	EventFriendAccept:        TypeFriendAccept,
	EventFriendReject:        TypeFriendReject,
	EventHistory:             TypeHistory,
	EventIdentify:            TypeIdentify,
}

var typeEvents = func() map[uint8]string {
	m := make(map[uint8]string, len(eventTypes))
	for name, code := range eventTypes {
		m[code] = name
	}
	return m
}()

// EventType returns the frame type code for an event name
func EventType(event string) (uint8, error) {
	code, ok := eventTypes[event]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	return code, nil
}

// EventName returns the event name for a frame type code
func EventName(code uint8) (string, error) {
	name, ok := typeEvents[code]
	if !ok {
		return "", fmt.Errorf("%w: 0x%02X", ErrUnknownEvent, code)
	}
	return name, nil
}

// Envelope is one event on the wire: a name plus its JSON payload.
//
// Encoded as {"event": name, "data": payload}. The socket.io style array
// ["name", payload] is accepted when decoding.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event
func NewEnvelope(event string, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q payload: %w", event, err)
	}
	return &Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into v
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %q has no payload", ErrMalformedEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedEnvelope, e.Event, err)
	}
	return nil
}

// UnmarshalJSON accepts both the object and the array envelope forms
func (e *Envelope) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return ErrMalformedEnvelope
	}

	if trimmed[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if len(parts) == 0 || len(parts) > 2 {
			return fmt.Errorf("%w: array envelope needs 1 or 2 elements, got %d", ErrMalformedEnvelope, len(parts))
		}
		if err := json.Unmarshal(parts[0], &e.Event); err != nil {
			return fmt.Errorf("%w: event name: %v", ErrMalformedEnvelope, err)
		}
		e.Data = nil
		if len(parts) == 2 {
			e.Data = parts[1]
		}
		return nil
	}

	// Alias type drops this method to avoid recursion
	type plain Envelope
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if p.Event == "" {
		return fmt.Errorf("%w: missing event name", ErrMalformedEnvelope)
	}
	*e = Envelope(p)
	return nil
}

// ParseEnvelope decodes a JSON envelope in either form
func ParseEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(b, env); err != nil {
		return nil, err
	}
	return env, nil
}

// ===== Payloads =====

// RegisterMessage is the payload of "register". On the wire it is either a
// bare JSON string or {"identity": "..."}.
type RegisterMessage struct {
	Identity string `json:"identity"`
}

// UnmarshalJSON accepts a bare string or an object
func (m *RegisterMessage) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &m.Identity)
	}
	type plain RegisterMessage
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*m = RegisterMessage(p)
	return nil
}

// RegisteredMessage acknowledges a registration to its sender
type RegisteredMessage struct {
	Identity string `json:"identity"`
}

// ChatMessage is a broadcast chat line. Inbound, "user" is accepted as an
// alias for "sender"; outbound, the server always fills sender and ts.
type ChatMessage struct {
	Room     string    `json:"room,omitempty"`
	Sender   string    `json:"sender,omitempty"`
	User     string    `json:"user,omitempty"`
	SenderID string    `json:"senderId,omitempty"`
	Text     string    `json:"text"`
	Ts       Timestamp `json:"ts,omitempty"`
}

// Timestamp is a chat timestamp in Unix milliseconds. Any JSON number is
// kept as sent, fractions included. Other values (strings, booleans, null)
// decode as zero, which the server replaces with its own clock.
type Timestamp float64

// TimestampOf returns t as a Timestamp
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// UnmarshalJSON never fails, so a bad ts cannot cost the whole message
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		ms = 0
	}
	*ts = Timestamp(ms)
	return nil
}

// Time converts ts to a time.Time
func (ts Timestamp) Time() time.Time {
	return time.Unix(0, int64(float64(ts)*float64(time.Millisecond)))
}

// PrivateMessage is a direct message between two identities
type PrivateMessage struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

// FriendRequestMessage asks To to become friends with From
type FriendRequestMessage struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FriendRequestStatusMessage reports the fate of a friend request to its sender
type FriendRequestStatusMessage struct {
	To     string `json:"to"`
	Status string `json:"status"`
}

// FriendResponseMessage is the payload of "friend accept" and "friend reject".
//
// Inbound, From is the original requester and To the responding identity.
// Outbound only To is set, carrying the counterpart identity.
type FriendResponseMessage struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// HistoryMessage is the replay of recent broadcasts sent on connect
type HistoryMessage []ChatMessage
