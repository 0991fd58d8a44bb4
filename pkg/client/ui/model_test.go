package ui

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/relay/pkg/client"
	"github.com/aeolun/relay/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notification struct{ title, body string }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recordingNotifier) notify(title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{title, body})
	return nil
}

func newTestModel(t *testing.T) (Model, *client.MockConnection, *client.MockState, *recordingNotifier) {
	t.Helper()
	conn := client.NewMockConnection("ws://localhost:8080/ws")
	state := client.NewMockState()
	notifier := &recordingNotifier{}
	m := NewModel(conn, state, log.New(io.Discard, "", 0), notifier.notify)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return updated.(Model), conn, state, notifier
}

// typeLine enters text and presses Enter, running the resulting command
func typeLine(t *testing.T, m Model, text string) Model {
	t.Helper()
	m.input.SetValue(text)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)
	runCmd(cmd)
	return m
}

// runCmd executes cmd and returns its message. Commands that block, such
// as status timers, yield nil.
func runCmd(cmd tea.Cmd) tea.Msg {
	if cmd == nil {
		return nil
	}
	result := make(chan tea.Msg, 1)
	go func() { result <- cmd() }()
	select {
	case msg := <-result:
		return msg
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func event(t *testing.T, name string, payload any) ServerEventMsg {
	t.Helper()
	env, err := protocol.NewEnvelope(name, payload)
	require.NoError(t, err)
	return ServerEventMsg{Envelope: env}
}

func deliver(t *testing.T, m Model, msg ServerEventMsg) Model {
	t.Helper()
	updated, _ := m.handleServerEvent(msg.Envelope)
	return updated
}

func lastSent(t *testing.T, conn *client.MockConnection) *protocol.Envelope {
	t.Helper()
	sent := conn.SentEvents()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		want  Command
	}{
		{"hello world", Command{Args: []string{"hello world"}}},
		{"  padded  ", Command{Args: []string{"padded"}}},
		{"//not a command", Command{Args: []string{"/not a command"}}},
		{"/register alice", Command{Name: "register", Args: []string{"alice"}}},
		{"/REGISTER alice", Command{Name: "register", Args: []string{"alice"}}},
		{"/msg bob hi there", Command{Name: "msg", Args: []string{"bob", "hi there"}}},
		{"/msg\tbob\thi", Command{Name: "msg", Args: []string{"bob", "hi"}}},
		{"/msg bob", Command{Name: "msg", Args: []string{"bob"}}},
		{"/friend add carol", Command{Name: "friend", Args: []string{"add", "carol"}}},
		{"/room", Command{Name: "room"}},
		{"/ room lobby", Command{Name: "room", Args: []string{"lobby"}}},
		{"/quit", Command{Name: "quit"}},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}

	_, err := ParseCommand("/")
	assert.ErrorIs(t, err, errUsage)

	_, err = ParseCommand("/dance")
	assert.ErrorContains(t, err, "unknown command")
}

func TestInitRegistersRememberedIdentity(t *testing.T) {
	conn := client.NewMockConnection("ws://localhost:8080/ws")
	state := client.NewMockState()
	require.NoError(t, state.SetLastIdentity("alice"))

	m := NewModel(conn, state, nil, nil)
	batch, ok := runCmd(m.Init()).(tea.BatchMsg)
	require.True(t, ok)
	require.Len(t, batch, 3)

	// The third command is the registration
	runCmd(batch[2])
	env := lastSent(t, conn)
	assert.Equal(t, protocol.EventRegister, env.Event)
	assert.JSONEq(t, `"alice"`, string(env.Data))
}

func TestChatAndCommands(t *testing.T) {
	m, conn, _, _ := newTestModel(t)

	m = typeLine(t, m, "hello everyone")
	env := lastSent(t, conn)
	assert.Equal(t, protocol.EventChatMessage, env.Event)
	var chat protocol.ChatMessage
	require.NoError(t, env.Decode(&chat))
	assert.Equal(t, "hello everyone", chat.Text)
	assert.Empty(t, chat.Room)

	m = typeLine(t, m, "/room lobby")
	assert.Equal(t, "lobby", m.Room())
	m = typeLine(t, m, "in the lobby")
	require.NoError(t, lastSent(t, conn).Decode(&chat))
	assert.Equal(t, "lobby", chat.Room)

	m = typeLine(t, m, "/register alice")
	env = lastSent(t, conn)
	assert.Equal(t, protocol.EventRegister, env.Event)

	m = typeLine(t, m, "/msg bob see you")
	env = lastSent(t, conn)
	assert.Equal(t, protocol.EventPrivateMessage, env.Event)
	var dm protocol.PrivateMessage
	require.NoError(t, env.Decode(&dm))
	assert.Equal(t, protocol.PrivateMessage{To: "bob", Text: "see you"}, dm)

	sentBefore := len(conn.SentEvents())
	m = typeLine(t, m, "/msg bob")
	assert.Len(t, conn.SentEvents(), sentBefore)
	assert.Contains(t, m.statusMessage, "Usage")

	m = typeLine(t, m, "/help")
	assert.Contains(t, m.Lines()[len(m.Lines())-1].Text, "broadcast")
	assert.Len(t, conn.SentEvents(), sentBefore)
}

func TestFriendRequestFlow(t *testing.T) {
	m, conn, _, _ := newTestModel(t)
	conn.SetIdentity("alice")

	updated, _ := m.Update(event(t, protocol.EventFriendRequest, protocol.FriendRequestMessage{From: "bob", To: "alice"}))
	m = updated.(Model)
	assert.Equal(t, []string{"bob"}, m.PendingRequests())

	m = typeLine(t, m, "/friend accept bob")
	env := lastSent(t, conn)
	assert.Equal(t, protocol.EventFriendAccept, env.Event)
	var resp protocol.FriendResponseMessage
	require.NoError(t, env.Decode(&resp))
	assert.Equal(t, protocol.FriendResponseMessage{From: "bob", To: "alice"}, resp)
	assert.Empty(t, m.PendingRequests())

	m = deliver(t, m, event(t, protocol.EventFriendAccept, protocol.FriendResponseMessage{To: "bob"}))
	assert.Equal(t, []string{"bob"}, m.Friends())

	m = typeLine(t, m, "/friend add carol")
	assert.Equal(t, protocol.EventFriendRequest, lastSent(t, conn).Event)

	m = deliver(t, m, event(t, protocol.EventFriendRequestStatus, protocol.FriendRequestStatusMessage{To: "carol", Status: protocol.StatusUnavailable}))
	assert.Contains(t, m.Lines()[len(m.Lines())-1].Text, "not online")

	sentBefore := len(conn.SentEvents())
	m = typeLine(t, m, "/friend poke carol")
	assert.Len(t, conn.SentEvents(), sentBefore)
	assert.Contains(t, m.statusMessage, "Usage")
}

func TestFriendRequestNotifies(t *testing.T) {
	m, _, _, notifier := newTestModel(t)

	_, cmd := m.handleServerEvent(event(t, protocol.EventFriendRequest, protocol.FriendRequestMessage{From: "dave"}).Envelope)
	require.NotNil(t, cmd)
	runCmd(cmd)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "Friend request", notifier.sent[0].title)
	assert.Contains(t, notifier.sent[0].body, "dave")
}

func TestServerEventsRenderLines(t *testing.T) {
	m, conn, state, _ := newTestModel(t)

	m = deliver(t, m, event(t, protocol.EventRegistered, protocol.RegisteredMessage{Identity: "alice"}))
	assert.Equal(t, "alice", state.GetLastIdentity())

	m = deliver(t, m, event(t, protocol.EventHistory, protocol.HistoryMessage{
		{Sender: "bob", Text: "earlier", Ts: 1700000000000},
	}))
	m = deliver(t, m, event(t, protocol.EventChatMessage, protocol.ChatMessage{Sender: "bob", Room: "lobby", Text: "now"}))

	conn.SetIdentity("alice")
	m = deliver(t, m, event(t, protocol.EventPrivateMessage, protocol.PrivateMessage{From: "bob", To: "alice", Text: "psst"}))
	// Echo of our own direct message is not shown twice
	before := len(m.Lines())
	m = deliver(t, m, event(t, protocol.EventPrivateMessage, protocol.PrivateMessage{From: "alice", To: "bob", Text: "mine"}))
	assert.Len(t, m.Lines(), before)

	var texts []string
	for _, line := range m.Lines() {
		texts = append(texts, line.Text)
	}
	assert.Contains(t, texts, "earlier")
	assert.Contains(t, texts, "now")
	assert.Contains(t, texts, "psst")

	view := m.View()
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "bob #lobby")
}

func TestDisconnect(t *testing.T) {
	m, conn, _, _ := newTestModel(t)

	updated, _ := m.Update(DisconnectedMsg{Err: errors.New("connection reset")})
	m = updated.(Model)
	assert.True(t, m.disconnected)
	assert.Contains(t, m.Lines()[len(m.Lines())-1].Text, "connection reset")

	m = typeLine(t, m, "anyone there?")
	assert.Empty(t, conn.SentEvents())
	assert.Equal(t, "Not connected", m.statusMessage)
	assert.True(t, strings.Contains(m.View(), "disconnected"))
}

func TestSendErrorsAreShown(t *testing.T) {
	m, conn, _, _ := newTestModel(t)
	conn.SetSendError(client.ErrClosed)

	m.input.SetValue("hello")
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)
	msg := runCmd(cmd)
	require.IsType(t, SendResultMsg{}, msg)

	updated, _ = m.Update(msg)
	m = updated.(Model)
	assert.Contains(t, m.Lines()[len(m.Lines())-1].Text, "client closed")
}

func TestListenForEventsReportsClose(t *testing.T) {
	conn := client.NewMockConnection("ws://localhost:8080/ws")
	env, err := protocol.NewEnvelope(protocol.EventChatMessage, protocol.ChatMessage{Text: "x"})
	require.NoError(t, err)
	conn.Deliver(env)

	msg := listenForEvents(conn)()
	require.IsType(t, ServerEventMsg{}, msg)

	require.NoError(t, conn.Close())
	assert.Equal(t, DisconnectedMsg{}, listenForEvents(conn)())
}
