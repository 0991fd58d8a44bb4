package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Routing  RoutingSection  `toml:"routing"`
	Accounts AccountsSection `toml:"accounts"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
	StaticDir   string `toml:"static_dir"`
	UploadDir   string `toml:"upload_dir"`
	CORSOrigin  string `toml:"cors_origin"`
}

type LimitsSection struct {
	MaxMessageLength    int   `toml:"max_message_length"`
	MaxIdentityLength   int   `toml:"max_identity_length"`
	HistorySize         int   `toml:"history_size"`
	OutboundQueueSize   int   `toml:"outbound_queue_size"`
	WriteTimeoutSeconds int   `toml:"write_timeout_seconds"`
	MaxUploadBytes      int64 `toml:"max_upload_bytes"`
}

type RoutingSection struct {
	EchoBroadcast                   bool `toml:"echo_broadcast"`
	EchoDirect                      bool `toml:"echo_direct"`
	RequirePendingFriendRequest     bool `toml:"require_pending_friend_request"`
	SuppressDuplicateFriendRequests bool `toml:"suppress_duplicate_friend_requests"`
}

type AccountsSection struct {
	DatabasePath string `toml:"database_path"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     def.TCPPort,
			SSHPort:     def.SSHPort,
			HTTPPort:    def.HTTPPort,
			MetricsPort: def.MetricsPort,
			SSHHostKey:  def.SSHHostKeyPath,
			UploadDir:   def.UploadDir,
			CORSOrigin:  def.CORSOrigin,
		},
		Limits: LimitsSection{
			MaxMessageLength:    def.MaxMessageLength,
			MaxIdentityLength:   def.MaxIdentityLength,
			HistorySize:         def.HistorySize,
			OutboundQueueSize:   def.OutboundQueueSize,
			WriteTimeoutSeconds: def.WriteTimeoutSeconds,
			MaxUploadBytes:      def.MaxUploadBytes,
		},
		Routing: RoutingSection{
			EchoBroadcast:                   def.EchoBroadcast,
			EchoDirect:                      def.EchoDirect,
			RequirePendingFriendRequest:     def.RequirePendingFriendRequest,
			SuppressDuplicateFriendRequests: def.SuppressDuplicateFriendRequests,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file keep
// their defaults, so an explicit 0 port disables that listener.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path); err != nil {
			// Can't write (read-only home, permissions): run on defaults
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: RELAY_SECTION_KEY
// Example: RELAY_SERVER_HTTP_PORT=8081
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("RELAY_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("RELAY_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("RELAY_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("RELAY_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("RELAY_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("RELAY_SERVER_STATIC_DIR", &config.Server.StaticDir)
	envString("RELAY_SERVER_UPLOAD_DIR", &config.Server.UploadDir)
	envString("RELAY_SERVER_CORS_ORIGIN", &config.Server.CORSOrigin)

	// Limits section
	envInt("RELAY_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("RELAY_LIMITS_MAX_IDENTITY_LENGTH", &config.Limits.MaxIdentityLength)
	envInt("RELAY_LIMITS_HISTORY_SIZE", &config.Limits.HistorySize)
	envInt("RELAY_LIMITS_OUTBOUND_QUEUE_SIZE", &config.Limits.OutboundQueueSize)
	envInt("RELAY_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	if val := os.Getenv("RELAY_LIMITS_MAX_UPLOAD_BYTES"); val != "" {
		if limit, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Limits.MaxUploadBytes = limit
		}
	}

	// Routing section
	envBool("RELAY_ROUTING_ECHO_BROADCAST", &config.Routing.EchoBroadcast)
	envBool("RELAY_ROUTING_ECHO_DIRECT", &config.Routing.EchoDirect)
	envBool("RELAY_ROUTING_REQUIRE_PENDING_FRIEND_REQUEST", &config.Routing.RequirePendingFriendRequest)
	envBool("RELAY_ROUTING_SUPPRESS_DUPLICATE_FRIEND_REQUESTS", &config.Routing.SuppressDuplicateFriendRequests)

	// Accounts section
	envString("RELAY_ACCOUNTS_DATABASE_PATH", &config.Accounts.DatabasePath)

	return config
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Relay Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# RELAY_SECTION_KEY (e.g., RELAY_SERVER_HTTP_PORT=8081)

[server]
# Port for framed binary TCP connections (0 = disabled)
tcp_port = 6465

# Port for SSH connections; the SSH user name becomes the identity (0 = disabled)
ssh_port = 6466

# Port for the public HTTP server (/ws, /api, /uploads, static files) (0 = disabled)
http_port = 8080

# Port for the internal metrics server (/metrics, /health). Never expose publicly.
# Set to 0 to disable
metrics_port = 9090

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.relay/ssh_host_key"

# Directory with a web client served for every unmatched GET
# Uncomment to enable:
# static_dir = "./public"

# Directory uploaded files are stored in
upload_dir = "~/.relay/uploads"

# Value of the Access-Control-Allow-Origin header
cors_origin = "*"

[limits]
# Chat and private message text is truncated to this many characters
max_message_length = 2000

# Longer identities are rejected
max_identity_length = 64

# Number of recent broadcast messages replayed to new connections (0 = disabled)
history_size = 200

# Events queued per connection before a slow client is disconnected
outbound_queue_size = 256

# Seconds a single write to a client may take
write_timeout_seconds = 10

# Maximum upload size in bytes
max_upload_bytes = 10485760

[routing]
# Send broadcast chat messages back to their sender
echo_broadcast = true

# Send private messages back to their sender
echo_direct = false

# Drop friend accept/reject events without a matching pending request
require_pending_friend_request = true

# Do not re-deliver a repeated friend request that is still pending
suppress_duplicate_friend_requests = false

[accounts]
# SQLite database for accounts created through POST /api/accounts
# Leave empty to keep accounts in memory only
# database_path = "~/.relay/accounts.db"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	cfg.StaticDir = strings.TrimSpace(c.Server.StaticDir)
	if strings.TrimSpace(c.Server.UploadDir) != "" {
		cfg.UploadDir = c.Server.UploadDir
	}
	if strings.TrimSpace(c.Server.CORSOrigin) != "" {
		cfg.CORSOrigin = c.Server.CORSOrigin
	}

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxIdentityLength > 0 {
		cfg.MaxIdentityLength = c.Limits.MaxIdentityLength
	}
	if c.Limits.HistorySize >= 0 {
		cfg.HistorySize = c.Limits.HistorySize
	}
	if c.Limits.OutboundQueueSize > 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}
	if c.Limits.MaxUploadBytes > 0 {
		cfg.MaxUploadBytes = c.Limits.MaxUploadBytes
	}

	cfg.EchoBroadcast = c.Routing.EchoBroadcast
	cfg.EchoDirect = c.Routing.EchoDirect
	cfg.RequirePendingFriendRequest = c.Routing.RequirePendingFriendRequest
	cfg.SuppressDuplicateFriendRequests = c.Routing.SuppressDuplicateFriendRequests

	cfg.DatabasePath = strings.TrimSpace(c.Accounts.DatabasePath)

	return cfg
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
