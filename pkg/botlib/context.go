package botlib

import "fmt"

// Context provides methods for responding to messages.
// It is passed to message handlers.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply answers where the message came from: a direct message to the sender
// for direct messages, otherwise a broadcast in the same room.
func (c *Context) Reply(text string) error {
	if c.message.Direct {
		return c.bot.conn.Direct(c.message.Sender, text)
	}
	return c.bot.conn.Chat(c.message.Room, text)
}

// Whisper sends a direct message to the author
func (c *Context) Whisper(text string) error {
	return c.bot.conn.Direct(c.message.Sender, text)
}

// Broadcast sends text to everyone, in the message's room
func (c *Context) Broadcast(text string) error {
	return c.bot.conn.Chat(c.message.Room, text)
}

// Author returns the identity of the message author.
func (c *Context) Author() string {
	return c.message.Sender
}

// BotIdentity returns the bot's registered identity.
func (c *Context) BotIdentity() string {
	return c.bot.Identity()
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...any) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{room=%q, direct=%t, author=%s}",
		c.message.Room, c.message.Direct, c.message.Sender)
}
