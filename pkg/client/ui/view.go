package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	headerHeight = 1
	// status line plus the bordered input
	footerHeight = 4
)

// View renders the UI
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Connecting..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.renderStatusBar(),
		inputBorderStyle.Width(max(m.width-2, 10)).Render(m.input.View()),
	)
}

func (m Model) renderHeader() string {
	identity := m.conn.Identity()
	if identity == "" {
		identity = "anonymous"
	}
	info := fmt.Sprintf("%s via %s (%s)", identity, m.conn.Address(), m.conn.Transport())
	if m.room != "" {
		info += " #" + m.room
	}
	return headerStyle.Render("relay") + headerInfoStyle.Render(info)
}

func (m Model) renderStatusBar() string {
	var parts []string
	if m.statusMessage != "" {
		parts = append(parts, m.statusMessage)
	}
	if pending := m.PendingRequests(); len(pending) > 0 {
		parts = append(parts, noticeStyle.Render("pending: "+strings.Join(pending, ", ")))
	}
	if friends := m.Friends(); len(friends) > 0 {
		parts = append(parts, "friends: "+strings.Join(friends, ", "))
	}
	if m.disconnected {
		parts = append(parts, errorStyle.Render("disconnected"))
	}
	return statusBarStyle.Render(strings.Join(parts, " | "))
}

// refreshViewport re-renders the scrollback, keeping the view pinned to the
// bottom unless the user scrolled up
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()

	rendered := make([]string, len(m.lines))
	for i, line := range m.lines {
		rendered[i] = m.renderLine(line)
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))

	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) renderLine(line Line) string {
	ts := timeStyle.Render(line.Time.Format("15:04"))
	width := m.width - 8
	if width < 20 {
		width = 20
	}

	switch line.Kind {
	case LineChat:
		style := senderStyle
		if line.Sender == m.conn.Identity() {
			style = selfStyle
		}
		sender := line.Sender
		if sender == "" {
			sender = "Anonymous"
		}
		return ts + " " + style.Render(sender) + " " + contentStyle.Width(width-lipgloss.Width(sender)).Render(line.Text)
	case LineDirect:
		return ts + " " + directStyle.Render(line.Sender+" "+line.Text)
	case LineNotice:
		return ts + " " + noticeStyle.Width(width).Render(line.Text)
	case LineError:
		return ts + " " + errorStyle.Width(width).Render(line.Text)
	default:
		return ts + " " + systemStyle.Width(width).Render(line.Text)
	}
}
