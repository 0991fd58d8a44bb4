// Package accounts records which identities have been claimed through the
// HTTP API. The store is SQLite-backed and in-memory unless a file path is
// configured.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// ErrInvalidIdentity indicates a blank or over-long identity
var ErrInvalidIdentity = errors.New("invalid identity")

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS account (
	identity   TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
)`

// Store wraps the SQLite connection
type Store struct {
	db                *sql.DB
	maxIdentityLength int
	now               func() time.Time
}

// Open opens the account database at path and initializes the schema.
// An empty path or MemoryPath keeps accounts in memory only.
// maxIdentityLength <= 0 disables the length check.
func Open(path string, maxIdentityLength int) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database, so keep exactly one
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{
		db:                db,
		maxIdentityLength: maxIdentityLength,
		now:               time.Now,
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Normalize trims identity and checks it against the store's limits
func (s *Store) Normalize(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if s.maxIdentityLength > 0 && utf8.RuneCountInString(identity) > s.maxIdentityLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidIdentity, s.maxIdentityLength)
	}
	return identity, nil
}

// Exists reports whether identity has been claimed
func (s *Store) Exists(ctx context.Context, identity string) (bool, error) {
	identity, err := s.Normalize(identity)
	if err != nil {
		return false, err
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM account WHERE identity = ?`, identity).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up account: %w", err)
	}
	return true, nil
}

// Create claims identity. Returns false if it was already claimed.
func (s *Store) Create(ctx context.Context, identity string) (bool, error) {
	identity, err := s.Normalize(identity)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO account (identity, created_at) VALUES (?, ?)`,
		identity, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to create account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create account: %w", err)
	}
	return n == 1, nil
}

// Count returns the number of claimed identities
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM account`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}
