package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/relay/pkg/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.relay/config.toml", "Path to the TOML config file (created with defaults if missing)")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("relay-server %s\n", Version)
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(tomlConfig.ToServerConfig(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	log.Printf("relay-server %s starting (config %s)", Version, *configPath)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down...", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
	log.Printf("Server stopped")
}
