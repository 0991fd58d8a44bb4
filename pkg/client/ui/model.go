// Package ui is the bubbletea model of the terminal client
package ui

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/aeolun/relay/pkg/client"
	"github.com/aeolun/relay/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// maxLines bounds the scrollback kept in memory
const maxLines = 1000

// LineKind classifies a scrollback line for rendering
type LineKind int

const (
	LineChat LineKind = iota
	LineDirect
	LineSystem
	LineNotice
	LineError
)

// Line is one entry in the scrollback
type Line struct {
	Kind   LineKind
	Time   time.Time
	Sender string
	Text   string
}

// Notifier shows a desktop notification
type Notifier func(title, body string) error

// DesktopNotifier notifies through the OS notification service
func DesktopNotifier(iconPath string) Notifier {
	return func(title, body string) error {
		return beeep.Notify(title, body, iconPath)
	}
}

// Model represents the application state
type Model struct {
	conn   client.ConnectionInterface
	state  client.StateInterface
	logger *log.Logger
	notify Notifier

	viewport viewport.Model
	input    textinput.Model
	width    int
	height   int
	ready    bool

	lines []Line
	room  string

	// Friend requests waiting for our answer, by requester
	pending map[string]time.Time
	friends map[string]bool

	disconnected bool
	quitting     bool

	statusMessage string
	statusVersion uint64
}

// NewModel creates the model. notify may be nil to disable notifications.
func NewModel(conn client.ConnectionInterface, state client.StateInterface, logger *log.Logger, notify Notifier) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help"
	ti.Prompt = "> "
	ti.CharLimit = 0 // server enforces the maximum message length
	ti.Focus()

	return Model{
		conn:    conn,
		state:   state,
		logger:  logger,
		notify:  notify,
		input:   ti,
		pending: make(map[string]time.Time),
		friends: make(map[string]bool),
	}
}

// ServerEventMsg carries one inbound event
type ServerEventMsg struct {
	Envelope *protocol.Envelope
}

// DisconnectedMsg is sent once the event stream ends
type DisconnectedMsg struct {
	Err error
}

// SendResultMsg reports a failed send
type SendResultMsg struct {
	Err error
}

// ClearStatusMsg clears the status line if it is still the given version
type ClearStatusMsg struct {
	Version uint64
}

// Init starts listening and registers the remembered identity
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, listenForEvents(m.conn)}

	// SSH sessions are registered by the server from the login name
	if m.conn.Transport() != client.TransportSSH && m.state != nil {
		if identity := m.state.GetLastIdentity(); identity != "" {
			cmds = append(cmds, m.send(func() error { return m.conn.Register(identity) }))
		}
	}
	return tea.Batch(cmds...)
}

// listenForEvents waits for the next inbound event
func listenForEvents(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-conn.Events()
		if !ok {
			return DisconnectedMsg{Err: conn.Err()}
		}
		return ServerEventMsg{Envelope: env}
	}
}

// send runs a client call off the update loop
func (m Model) send(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return SendResultMsg{Err: err}
		}
		return nil
	}
}

// statusTimeout returns a command that clears the status after 3 seconds
func statusTimeout(version uint64) tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return ClearStatusMsg{Version: version}
	})
}

// setStatus sets the status message and returns the timeout command
func (m *Model) setStatus(message string) tea.Cmd {
	m.statusVersion++
	m.statusMessage = message
	return statusTimeout(m.statusVersion)
}

func (m *Model) appendLine(line Line) {
	if line.Time.IsZero() {
		line.Time = time.Now()
	}
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.refreshViewport()
}

func (m *Model) systemf(format string, args ...any) {
	m.appendLine(Line{Kind: LineSystem, Text: fmt.Sprintf(format, args...)})
}

func (m *Model) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// PendingRequests returns requesters awaiting an answer, oldest first
func (m Model) PendingRequests() []string {
	out := make([]string, 0, len(m.pending))
	for from := range m.pending {
		out = append(out, from)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.pending[out[i]].Before(m.pending[out[j]])
	})
	return out
}

// Friends returns accepted friends, sorted
func (m Model) Friends() []string {
	out := make([]string, 0, len(m.friends))
	for name := range m.friends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lines returns the scrollback
func (m Model) Lines() []Line {
	return m.lines
}

// Room returns the room chat messages are sent to
func (m Model) Room() string {
	return m.room
}
