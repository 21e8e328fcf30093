package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateToken reads the API token from path, or generates and persists
// a new 256-bit hex-encoded token if the file is missing or empty.
func LoadOrCreateToken(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	return RotateToken(path)
}

// RotateToken generates a new token, replacing the existing one.
// Clients holding the old token are rejected from then on.
func RotateToken(path string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	if err := writeToken(path, token); err != nil {
		return "", err
	}

	return token, nil
}

// ResolveToken returns configured when it is set, otherwise the token kept
// in path.
func ResolveToken(configured, path string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if path == "" {
		return "", fmt.Errorf("no api token configured and no token file set")
	}
	return LoadOrCreateToken(path)
}

// Equal compares two tokens in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func writeToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}
