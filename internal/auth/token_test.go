package auth

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateToken_WhenNoFile_CreatesNewToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "token")

	token, err := LoadOrCreateToken(path)
	require.NoError(t, err)

	assert.Len(t, token, 64, "token should be 64 hex chars (32 bytes)")
	_, err = hex.DecodeString(token)
	assert.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadOrCreateToken_WhenFileExists_ReturnsExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  my-token\n"), 0600))

	token, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, "my-token", token)
}

func TestLoadOrCreateToken_WhenFileEmpty_Regenerates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0600))

	token, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Len(t, token, 64)
}

func TestLoadOrCreateToken_CalledTwice_ReturnsSameToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")

	first, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	second, err := LoadOrCreateToken(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRotateToken_GeneratesDifferentToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")

	original, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	rotated, err := RotateToken(path)
	require.NoError(t, err)
	assert.NotEqual(t, original, rotated)

	loaded, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, rotated, loaded)
}

func TestResolveToken(t *testing.T) {
	t.Parallel()

	token, err := ResolveToken("configured", "/nonexistent/ignored")
	require.NoError(t, err)
	assert.Equal(t, "configured", token)

	_, err = ResolveToken("", "")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "token")
	token, err = ResolveToken("", path)
	require.NoError(t, err)
	assert.Len(t, token, 64)
}

func TestEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "ab"))
	assert.False(t, Equal("", "x"))
}
