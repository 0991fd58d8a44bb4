package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/aeolun/relay/pkg/client"
	"github.com/aeolun/relay/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
)

var Version = "dev"

const defaultServer = "localhost:6465"

func main() {
	server := flag.String("server", "", "Server address: host[:port], ssh://[user@]host[:port] or ws[s]://host[:port]/ws (default: last server)")
	statePath := flag.String("state", "", "Path to the state database (default: $XDG_DATA_HOME/relay/state.db)")
	debug := flag.Bool("debug", false, "Write a debug log next to the state database")
	noNotify := flag.Bool("no-notify", false, "Disable desktop notifications")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("relay-tui %s\n", Version)
		return
	}

	if err := run(*server, *statePath, *debug, *noNotify); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(server, statePath string, debug, noNotify bool) error {
	if statePath == "" {
		var err error
		statePath, err = client.DefaultStatePath()
		if err != nil {
			return err
		}
	}
	state, err := client.OpenState(statePath)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer state.Close()

	logger := log.New(io.Discard, "", 0)
	if debug {
		logFile, err := os.OpenFile(filepath.Join(state.GetStateDir(), "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to open debug log: %w", err)
		}
		defer logFile.Close()
		logger = log.New(logFile, "", log.LstdFlags|log.Lmicroseconds)
	}

	if server == "" {
		server, err = state.GetLastServer()
		if err != nil {
			logger.Printf("Failed to read last server: %v", err)
		}
		if server == "" {
			server = defaultServer
		}
	}

	conn, err := client.Dial(context.Background(), server, client.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := state.SaveSuccessfulConnection(conn.Address(), conn.Transport()); err != nil {
		logger.Printf("Failed to save connection: %v", err)
	}
	if warning := conn.Warning(); warning != "" {
		fmt.Fprintln(os.Stderr, warning)
	}

	var notify ui.Notifier
	if !noNotify {
		notify = ui.DesktopNotifier("")
	}

	p := tea.NewProgram(ui.NewModel(conn, state, logger, notify), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	logger.Printf("Exiting: sent %d events, received %d", conn.EventsSent(), conn.EventsReceived())
	return nil
}
