package ui

import (
	"fmt"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case ServerEventMsg:
		var cmd tea.Cmd
		m, cmd = m.handleServerEvent(msg.Envelope)
		if m.disconnected {
			return m, cmd
		}
		return m, tea.Batch(cmd, listenForEvents(m.conn))

	case DisconnectedMsg:
		m.disconnected = true
		if msg.Err != nil {
			m.appendLine(Line{Kind: LineError, Text: fmt.Sprintf("Disconnected: %v", msg.Err)})
		} else {
			m.appendLine(Line{Kind: LineError, Text: "Disconnected"})
		}
		return m, nil

	case SendResultMsg:
		m.appendLine(Line{Kind: LineError, Text: msg.Err.Error()})
		return m, nil

	case ClearStatusMsg:
		if msg.Version == m.statusVersion {
			m.statusMessage = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	m.width, m.height = msg.Width, msg.Height
	vpHeight := msg.Height - headerHeight - footerHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(msg.Width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = vpHeight
	}
	m.input.Width = msg.Width - 6
	m.refreshViewport()
	return m
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyEnter:
		value := m.input.Value()
		m.input.Reset()
		if m.disconnected {
			return m, m.setStatus("Not connected")
		}
		cmd, err := ParseCommand(value)
		if err != nil {
			return m, m.setStatus(err.Error())
		}
		return m.execute(cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleServerEvent applies one inbound event to the model
func (m Model) handleServerEvent(env *protocol.Envelope) (Model, tea.Cmd) {
	switch env.Event {
	case protocol.EventRegistered:
		var msg protocol.RegisteredMessage
		if err := env.Decode(&msg); err != nil {
			return m, nil
		}
		m.systemf("Registered as %s", msg.Identity)
		if m.state != nil {
			if err := m.state.SetLastIdentity(msg.Identity); err != nil {
				m.logf("Failed to save identity: %v", err)
			}
		}

	case protocol.EventHistory:
		var msg protocol.HistoryMessage
		if err := env.Decode(&msg); err != nil {
			return m, nil
		}
		if len(msg) > 0 {
			m.systemf("Last %d messages:", len(msg))
		}
		for _, chat := range msg {
			m.appendLine(chatLine(chat))
		}

	case protocol.EventChatMessage:
		var msg protocol.ChatMessage
		if err := env.Decode(&msg); err != nil {
			return m, nil
		}
		m.appendLine(chatLine(msg))

	case protocol.EventPrivateMessage:
		var msg protocol.PrivateMessage
		if err := env.Decode(&msg); err != nil {
			return m, nil
		}
		if msg.From == m.conn.Identity() {
			// Echo of our own direct message, already shown
			return m, nil
		}
		m.appendLine(Line{Kind: LineDirect, Sender: msg.From + " →", Text: msg.Text})

	case protocol.EventFriendRequest:
		var msg protocol.FriendRequestMessage
		if err := env.Decode(&msg); err != nil || msg.From == "" {
			return m, nil
		}
		if _, seen := m.pending[msg.From]; !seen {
			m.pending[msg.From] = time.Now()
		}
		m.appendLine(Line{Kind: LineNotice, Text: fmt.Sprintf("%s wants to be friends. /friend accept %s or /friend reject %s", msg.From, msg.From, msg.From)})
		return m, m.notifyCmd("Friend request", fmt.Sprintf("%s wants to be friends", msg.From))

	case protocol.EventFriendRequestStatus:
		var msg protocol.FriendRequestStatusMessage
		if err := env.Decode(&msg); err != nil {
			return m, nil
		}
		if msg.Status == protocol.StatusUnavailable {
			m.appendLine(Line{Kind: LineNotice, Text: fmt.Sprintf("%s is not online; friend request not delivered", msg.To)})
		} else {
			m.systemf("Friend request to %s: %s", msg.To, msg.Status)
		}

	case protocol.EventFriendAccept:
		var msg protocol.FriendResponseMessage
		if err := env.Decode(&msg); err != nil || msg.To == "" {
			return m, nil
		}
		m.friends[msg.To] = true
		delete(m.pending, msg.To)
		m.appendLine(Line{Kind: LineNotice, Text: fmt.Sprintf("You and %s are now friends", msg.To)})

	case protocol.EventFriendReject:
		var msg protocol.FriendResponseMessage
		if err := env.Decode(&msg); err != nil || msg.To == "" {
			return m, nil
		}
		m.appendLine(Line{Kind: LineNotice, Text: fmt.Sprintf("%s declined your friend request", msg.To)})

	default:
		m.logf("Ignoring event %q", env.Event)
	}
	return m, nil
}

func chatLine(msg protocol.ChatMessage) Line {
	line := Line{Kind: LineChat, Sender: msg.Sender, Text: msg.Text}
	if msg.Ts > 0 {
		line.Time = msg.Ts.Time()
	}
	if msg.Room != "" {
		line.Sender = fmt.Sprintf("%s #%s", msg.Sender, msg.Room)
	}
	return line
}

// notifyCmd sends a desktop notification off the update loop (best effort)
func (m Model) notifyCmd(title, body string) tea.Cmd {
	if m.notify == nil {
		return nil
	}
	notify, logger := m.notify, m.logger
	return func() tea.Msg {
		if err := notify(title, body); err != nil && logger != nil {
			logger.Printf("Failed to send desktop notification: %v", err)
		}
		return nil
	}
}
