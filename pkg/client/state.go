package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS Config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ConnectionHistory (
	server_address  TEXT PRIMARY KEY,
	transport       TEXT NOT NULL,
	last_success_at INTEGER NOT NULL
);`

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

// DefaultStatePath returns $XDG_STATE_HOME/relay/state.db or
// ~/.local/state/relay/state.db
func DefaultStatePath() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay", "state.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "relay", "state.db"), nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}

// GetConfig retrieves a configuration value, "" when unset
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetLastIdentity returns the identity registered most recently
func (s *State) GetLastIdentity() string {
	identity, _ := s.GetConfig("last_identity")
	return identity
}

// SetLastIdentity remembers identity for the next start
func (s *State) SetLastIdentity(identity string) error {
	return s.SetConfig("last_identity", identity)
}

// SaveSuccessfulConnection records that address was reached over transport
func (s *State) SaveSuccessfulConnection(address, transport string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (server_address, transport, last_success_at)
		VALUES (?, ?, ?)
	`, address, transport, time.Now().UnixMilli())
	return err
}

// GetLastServer returns the most recently reached server address, "" if none
func (s *State) GetLastServer() (string, error) {
	var address string
	err := s.db.QueryRow(`
		SELECT server_address FROM ConnectionHistory
		ORDER BY last_success_at DESC LIMIT 1
	`).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return address, err
}
