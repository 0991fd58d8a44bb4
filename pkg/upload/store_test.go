package upload

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndResolve(t *testing.T) {
	s, err := NewStore(t.TempDir(), 1024)
	require.NoError(t, err)

	locator, err := s.Save(strings.NewReader("hello"), "Greeting.TXT")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(locator, URLPrefix))
	assert.True(t, strings.HasSuffix(locator, ".txt"))

	p, err := s.Path(locator)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSaveUniqueNames(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	a, err := s.Save(strings.NewReader("a"), "x.png")
	require.NoError(t, err)
	b, err := s.Save(strings.NewReader("b"), "x.png")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSaveSanitizesExtension(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	for _, name := range []string{"", "noext", "../../etc/passwd", "evil.<script>", "a.waytoolongextension"} {
		locator, err := s.Save(strings.NewReader("x"), name)
		require.NoError(t, err)
		rest := strings.TrimPrefix(locator, URLPrefix)
		assert.NotContains(t, rest, ".", "name %q kept an extension: %s", name, locator)
		assert.NotContains(t, rest, "/")
	}
}

func TestSaveTooLarge(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 4)
	require.NoError(t, err)

	_, err = s.Save(bytes.NewReader([]byte("12345")), "big.bin")
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected upload left files behind")

	_, err = s.Save(bytes.NewReader([]byte("1234")), "fits.bin")
	assert.NoError(t, err)
}

func TestPathRejectsTraversal(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	for _, locator := range []string{
		"",
		URLPrefix,
		URLPrefix + "../secret",
		URLPrefix + "a/b.txt",
		URLPrefix + ".upload-123",
		URLPrefix + "not-a-uuid.txt",
	} {
		_, err := s.Path(locator)
		assert.ErrorIs(t, err, ErrInvalidLocator, "locator %q", locator)
	}
}

func TestPathStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0)
	require.NoError(t, err)

	locator, err := s.Save(strings.NewReader("x"), "a.gif")
	require.NoError(t, err)
	p, err := s.Path(locator)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(p))
}
