// Command bot is a relay bot that answers simple commands when mentioned or
// messaged directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/relay/pkg/botlib"
)

const helpText = "commands: ping, time, echo <text>, help"

var startTime = time.Now()

// respond returns the answer to a command, or "" for none
func respond(command string) string {
	name, rest, _ := strings.Cut(strings.TrimSpace(command), " ")
	switch strings.ToLower(name) {
	case "ping":
		return "pong"
	case "time":
		return time.Now().UTC().Format(time.RFC1123)
	case "uptime":
		return fmt.Sprintf("up %s", time.Since(startTime).Round(time.Second))
	case "echo":
		return strings.TrimSpace(rest)
	case "help", "":
		return helpText
	default:
		return fmt.Sprintf("unknown command %q (%s)", name, helpText)
	}
}

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "Server address")
	identity := flag.String("identity", "relaybot", "Identity to register")
	rooms := flag.String("rooms", "", "Comma-separated rooms to listen in (default: all)")
	acceptFriends := flag.Bool("accept-friends", true, "Accept every friend request")
	flag.Parse()

	var roomList []string
	for _, room := range strings.Split(*rooms, ",") {
		if room = strings.TrimSpace(room); room != "" {
			roomList = append(roomList, room)
		}
	}

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags)
	bot := botlib.New(botlib.Config{
		Server:        *server,
		Identity:      *identity,
		Rooms:         roomList,
		AcceptFriends: *acceptFriends,
		Logger:        logger,
	})

	// Mentions in chat and direct messages both land here
	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		answer := respond(msg.MentionedContent())
		if answer == "" {
			return
		}
		if !msg.Direct {
			answer = ctx.Author() + ": " + answer
		}
		if err := ctx.Reply(answer); err != nil {
			ctx.Log("Failed to reply to %s: %v", ctx.Author(), err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.Printf("Bot stopped: %v", err)
		os.Exit(1)
	}
	logger.Printf("Bot stopped")
}
