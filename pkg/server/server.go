// Package server hosts the relay hub behind its network transports: framed
// TCP, SSH, WebSocket and the HTTP API, plus an internal metrics listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relay/pkg/accounts"
	"github.com/aeolun/relay/pkg/hub"
	"github.com/aeolun/relay/pkg/protocol"
	"github.com/aeolun/relay/pkg/upload"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsLogInterval = 5 * time.Second

var (
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server represents the relay server
type Server struct {
	router     *hub.Router
	sessions   *hub.SessionManager
	accounts   *accounts.Store
	uploads    *upload.Store
	config     ServerConfig
	configPath string
	metrics    *hub.Metrics
	gatherer   prometheus.Gatherer
	startTime  time.Time

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int // 0 = disabled
	SSHPort        int // 0 = disabled
	HTTPPort       int // WebSocket, API, uploads and static files (0 = disabled)
	MetricsPort    int // internal /metrics and /health (0 = disabled)
	SSHHostKeyPath string
	StaticDir      string
	UploadDir      string
	CORSOrigin     string
	DatabasePath   string // accounts database, "" keeps it in memory

	MaxMessageLength    int
	MaxIdentityLength   int
	HistorySize         int
	OutboundQueueSize   int
	WriteTimeoutSeconds int
	MaxUploadBytes      int64

	EchoBroadcast                   bool
	EchoDirect                      bool
	RequirePendingFriendRequest     bool
	SuppressDuplicateFriendRequests bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	routing := hub.DefaultConfig()
	return ServerConfig{
		TCPPort:        6465,
		SSHPort:        6466,
		HTTPPort:       8080,
		MetricsPort:    9090,
		SSHHostKeyPath: "~/.relay/ssh_host_key",
		UploadDir:      "~/.relay/uploads",
		CORSOrigin:     "*",

		MaxMessageLength:    routing.MaxMessageLength,
		MaxIdentityLength:   routing.MaxIdentityLength,
		HistorySize:         routing.HistorySize,
		OutboundQueueSize:   hub.DefaultQueueSize,
		WriteTimeoutSeconds: 10,
		MaxUploadBytes:      10 << 20,

		EchoBroadcast:                   routing.EchoBroadcast,
		EchoDirect:                      routing.EchoDirect,
		RequirePendingFriendRequest:     routing.RequirePendingFriendRequest,
		SuppressDuplicateFriendRequests: routing.SuppressDuplicateFriendRequests,
	}
}

// RouterConfig extracts the routing settings for the hub
func (c ServerConfig) RouterConfig() hub.Config {
	return hub.Config{
		MaxMessageLength:                c.MaxMessageLength,
		MaxIdentityLength:               c.MaxIdentityLength,
		HistorySize:                     c.HistorySize,
		EchoBroadcast:                   c.EchoBroadcast,
		EchoDirect:                      c.EchoDirect,
		RequirePendingFriendRequest:     c.RequirePendingFriendRequest,
		SuppressDuplicateFriendRequests: c.SuppressDuplicateFriendRequests,
	}
}

func (c ServerConfig) writeTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// NewServer creates a new server instance registering its metrics with the
// default Prometheus registry
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}
	return newServer(config, configPath, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newServer(config ServerConfig, configPath string, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Server, error) {
	dbPath, err := expandHome(config.DatabasePath)
	if err != nil {
		return nil, err
	}
	accountStore, err := accounts.Open(dbPath, config.MaxIdentityLength)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts database: %w", err)
	}

	uploadDir, err := expandHome(config.UploadDir)
	if err != nil {
		accountStore.Close()
		return nil, err
	}
	uploads, err := upload.NewStore(uploadDir, config.MaxUploadBytes)
	if err != nil {
		accountStore.Close()
		return nil, err
	}

	metrics := hub.NewMetrics(reg)
	sessions := hub.NewSessionManager(config.OutboundQueueSize)
	sessions.SetMetrics(metrics)

	return &Server{
		router:     hub.NewRouter(config.RouterConfig(), sessions, metrics),
		sessions:   sessions,
		accounts:   accountStore,
		uploads:    uploads,
		config:     config,
		configPath: configPath,
		metrics:    metrics,
		gatherer:   gatherer,
		startTime:  time.Now(),
		shutdown:   make(chan struct{}),
	}, nil
}

// Router exposes the message router
func (s *Server) Router() *hub.Router {
	return s.router
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "relay")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "relay")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker separates runs in errors.log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log is discarded until EnableDebugLogging
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	hub.SetLoggers(errorLog, debugLog)

	// Standard log goes to stdout and server.log, truncated per run
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	hub.SetLoggers(nil, debugLog)
	debugLog.Println("Debug logging enabled")
}

// Start starts every enabled listener
func (s *Server) Start() error {
	if s.config.TCPPort > 0 {
		listener, err := listenPort(s.config.TCPPort)
		if err != nil {
			return err
		}
		s.serveTCP(listener)
		log.Printf("TCP server listening on %s", listener.Addr())
	} else {
		log.Printf("TCP server disabled (tcp_port=%d)", s.config.TCPPort)
	}

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		listener, err := listenPort(s.config.HTTPPort)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.serveHTTP(listener)
		log.Printf("Public HTTP server listening on %s (/ws, /api, /uploads, /health)", listener.Addr())
	}

	// Internal only, never expose publicly
	if s.config.MetricsPort > 0 {
		listener, err := listenPort(s.config.MetricsPort)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.serveMetrics(listener)
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", listener.Addr())
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

func listenPort(port int) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// serveTCP accepts framed binary connections on listener
func (s *Server) serveTCP(listener net.Listener) {
	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener, "TCP", s.handleConnection)
}

// serveHTTP serves the public HTTP handler on listener
func (s *Server) serveHTTP(listener net.Listener) {
	s.httpServer = &http.Server{
		Handler:           s.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()
}

// serveMetrics serves /metrics and /health on listener
func (s *Server) serveMetrics(listener net.Listener) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s.handleHealth(w, r, httprouter.Params{})
	})

	s.metricsServer = &http.Server{Handler: metricsMux}
	go func() {
		if err := s.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()
}

// Stop gracefully stops the server. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		s.closeListeners()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv == nil {
				continue
			}
			if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
				log.Printf("HTTP shutdown: %v", shutdownErr)
			}
		}

		log.Printf("Closing %d client sessions...", s.sessions.Count())
		s.router.Shutdown()

		log.Println("Waiting for background goroutines to finish...")
		s.wg.Wait()

		if closeErr := s.accounts.Close(); closeErr != nil {
			log.Printf("Error closing accounts database: %v", closeErr)
			err = closeErr
			return
		}

		log.Println("Graceful shutdown complete")
	})
	return err
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}
}

// acceptLoop accepts connections on listener and runs handle for each one
// until the listener is closed
func (s *Server) acceptLoop(listener net.Listener, name string, handle func(net.Conn)) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("%s accept error: %v", name, err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(conn)
		}()
	}
}

// stopping reports whether Stop has begun
func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// handleConnection runs one framed TCP connection to completion
func (s *Server) handleConnection(conn net.Conn) {
	if s.stopping() {
		conn.Close()
		return
	}

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession("tcp", conn.RemoteAddr().String(), newFrameConn(conn, s.config.writeTimeout()))
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %s)", conn.RemoteAddr(), sess.ID)

	s.router.Connect(sess)
	s.messageLoop(sess, conn)
}

// messageLoop reads frames from r and hands them to the router until the
// connection fails, then disconnects the session
func (s *Server) messageLoop(sess *hub.Session, r io.Reader) {
	defer s.router.Disconnect(sess)

	for {
		env, err := protocol.ReadEnvelope(r)
		if err != nil {
			if recoverableFrameError(err) {
				debugLog.Printf("Session %s: bad frame: %v", sess.ID, err)
				s.router.Handle(sess, nil)
				continue
			}

			s.disconnectionsSinceReport.Add(1)
			select {
			case <-sess.Done():
				debugLog.Printf("Session %s: closed by server", sess.ID)
			default:
				if errors.Is(err, io.EOF) {
					debugLog.Printf("Session %s: client disconnected", sess.ID)
				} else {
					debugLog.Printf("Session %s: read error: %v", sess.ID, err)
				}
			}
			return
		}

		debugLog.Printf("Session %s ← RECV: %q (%d bytes)", sess.ID, env.Event, len(env.Data))
		s.router.Handle(sess, env)
	}
}

// recoverableFrameError reports whether the frame was fully consumed, so the
// stream is still aligned on the next frame
func recoverableFrameError(err error) bool {
	return errors.Is(err, protocol.ErrUnknownEvent) ||
		errors.Is(err, protocol.ErrDecompressionFailed) ||
		errors.Is(err, protocol.ErrInvalidCompressedLen)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, identities: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.Count(), len(s.router.Identities()), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
