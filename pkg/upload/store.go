// Package upload stores client-uploaded blobs on disk under random names and
// hands back a locator the client can share in a chat message.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// URLPrefix is the path under which stored blobs are served
const URLPrefix = "/uploads/"

var (
	ErrTooLarge       = errors.New("upload exceeds maximum size")
	ErrInvalidLocator = errors.New("invalid upload locator")
)

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// Store writes blobs into a single directory
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates dir if needed. maxBytes <= 0 means no limit.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the directory blobs are stored in
func (s *Store) Dir() string {
	return s.dir
}

// MaxBytes returns the per-upload size limit (0 = unlimited)
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save copies r into a new blob. The original filename only contributes its
// extension. Returns a locator of the form /uploads/<uuid><ext>.
func (s *Store) Save(r io.Reader, filename string) (string, error) {
	name := uuid.NewString() + sanitizeExt(filename)

	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	src := r
	if s.maxBytes > 0 {
		// One extra byte tells an exact fit apart from an overflow
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return "", ErrTooLarge
	}

	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return URLPrefix + name, nil
}

// Path resolves a locator (or bare blob name) to its file on disk
func (s *Store) Path(locator string) (string, error) {
	name := strings.TrimPrefix(locator, URLPrefix)
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}

	id := strings.TrimSuffix(name, path.Ext(name))
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return filepath.Join(s.dir, name), nil
}

func sanitizeExt(filename string) string {
	ext := strings.ToLower(path.Ext(filepath.Base(filename)))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}
