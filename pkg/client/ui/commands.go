package ui

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	tea "github.com/charmbracelet/bubbletea"
)

var errUsage = errors.New("usage")

// Command is a parsed line of input
type Command struct {
	Name string   // "" for a plain chat line
	Args []string // trailing text is kept whole in the last argument
}

// commandArity is the number of arguments each command splits into
var commandArity = map[string]int{
	"register": 1,
	"msg":      2,
	"friend":   2,
	"room":     1,
	"help":     0,
	"quit":     0,
}

const helpText = `Commands:
  /register <identity>           claim an identity
  /msg <identity> <text>         send a direct message
  /friend add <identity>         send a friend request
  /friend accept <identity>      accept a pending request
  /friend reject <identity>      reject a pending request
  /room [name]                   set the room for chat lines ("" = none)
  /quit                          exit
Anything else is broadcast to everyone.`

// ParseCommand splits input into a command. Lines that do not start with a
// slash, or start with "//", are chat text.
func ParseCommand(input string) (Command, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return Command{Args: []string{input}}, nil
	}
	if strings.HasPrefix(input, "//") {
		return Command{Args: []string{input[1:]}}, nil
	}

	body := strings.TrimSpace(input[1:])
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", errUsage)
	}
	name := strings.ToLower(fields[0])
	arity, ok := commandArity[name]
	if !ok {
		return Command{}, fmt.Errorf("unknown command /%s (try /help)", name)
	}

	rest := strings.TrimSpace(body[len(fields[0]):])
	var args []string
	for i := 0; i < arity && rest != ""; i++ {
		if i == arity-1 {
			args = append(args, rest)
			break
		}
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			args = append(args, rest)
			break
		}
		args = append(args, rest[:end])
		rest = strings.TrimSpace(rest[end:])
	}
	return Command{Name: name, Args: args}, nil
}

// execute runs a parsed command against the connection
func (m Model) execute(cmd Command) (Model, tea.Cmd) {
	switch cmd.Name {
	case "":
		text := cmd.Args[0]
		if text == "" {
			return m, nil
		}
		return m, m.send(func() error { return m.conn.Chat(m.room, text) })

	case "register":
		if len(cmd.Args) != 1 || strings.ContainsAny(cmd.Args[0], " \t") {
			return m, m.setStatus("Usage: /register <identity>")
		}
		identity := cmd.Args[0]
		return m, m.send(func() error { return m.conn.Register(identity) })

	case "msg":
		if len(cmd.Args) != 2 {
			return m, m.setStatus("Usage: /msg <identity> <text>")
		}
		to, text := cmd.Args[0], cmd.Args[1]
		m.appendLine(Line{Kind: LineDirect, Sender: "→ " + to, Text: text})
		return m, m.send(func() error { return m.conn.Direct(to, text) })

	case "friend":
		return m.executeFriend(cmd.Args)

	case "room":
		if len(cmd.Args) == 0 {
			m.room = ""
			return m, m.setStatus("Chatting without a room")
		}
		m.room = cmd.Args[0]
		return m, m.setStatus(fmt.Sprintf("Chatting in room %q", m.room))

	case "help":
		for _, line := range strings.Split(helpText, "\n") {
			m.systemf("%s", line)
		}
		return m, nil

	case "quit":
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) executeFriend(args []string) (Model, tea.Cmd) {
	usage := "Usage: /friend add|accept|reject <identity>"
	if len(args) != 2 {
		return m, m.setStatus(usage)
	}
	action, who := strings.ToLower(args[0]), strings.TrimSpace(args[1])
	if who == "" {
		return m, m.setStatus(usage)
	}

	switch action {
	case "add":
		m.systemf("Friend request sent to %s", who)
		return m, m.send(func() error { return m.conn.FriendRequest(who) })
	case "accept":
		delete(m.pending, who)
		return m, m.send(func() error { return m.conn.FriendAccept(who) })
	case "reject":
		delete(m.pending, who)
		m.systemf("Rejected friend request from %s", who)
		return m, m.send(func() error { return m.conn.FriendReject(who) })
	default:
		return m, m.setStatus(usage)
	}
}
