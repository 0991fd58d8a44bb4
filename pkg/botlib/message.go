// Package botlib provides a simple library for building relay bots.
package botlib

import (
	"strings"
	"time"
)

// Message represents a chat line or direct message received by the bot.
type Message struct {
	Room   string // "" for direct messages and unscoped broadcasts
	Sender string
	Text   string
	Time   time.Time

	// Direct is true for private messages addressed to the bot
	Direct bool

	// Internal: the bot's identity for mention detection
	botIdentity string
}

// MentionsMe returns true if the message mentions the bot.
// Checks for @identity anywhere and "identity:" style prefixes (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botIdentity == "" {
		return false
	}

	text := strings.ToLower(m.Text)
	identity := strings.ToLower(m.botIdentity)

	if strings.Contains(text, "@"+identity) {
		return true
	}
	return strings.HasPrefix(text, identity+":") ||
		strings.HasPrefix(text, identity+",") ||
		strings.HasPrefix(text, identity+" ")
}

// MentionedContent returns the text with the bot mention removed.
// Useful for extracting the actual command.
func (m *Message) MentionedContent() string {
	if m.botIdentity == "" {
		return strings.TrimSpace(m.Text)
	}

	text := m.Text
	identity := m.botIdentity

	if idx := strings.Index(strings.ToLower(text), "@"+strings.ToLower(identity)); idx >= 0 {
		text = text[:idx] + text[idx+1+len(identity):]
	}

	lower := strings.ToLower(strings.TrimSpace(text))
	lowerIdentity := strings.ToLower(identity)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerIdentity+sep) {
			text = strings.TrimSpace(text)[len(identity)+1:]
			break
		}
	}

	return strings.TrimSpace(text)
}
