package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "nethopper.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))
	return tmpFile
}

func TestDefaults_SetsExpectedValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8470, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.Execution.DefaultTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Execution.MaxTimeout)
	assert.Equal(t, 8, cfg.Execution.MaxConcurrent)
	assert.Equal(t, 1048576, cfg.Execution.MaxOutputSize)
	assert.Equal(t, 8192, cfg.Execution.ChunkSize)
	assert.Equal(t, 10*time.Second, cfg.Execution.ConnectTimeout)
	assert.False(t, cfg.Execution.AllowLocal)
	assert.True(t, cfg.Notifications.MCP.Enabled)
	assert.Equal(t, 30, cfg.Database.RetentionDays)
}

func TestLoadFromFile_ParsesYAML(t *testing.T) {
	t.Parallel()

	content := `
server:
  host: "127.0.0.1"
  port: 9000
  log_level: "debug"
  log_file: "/var/log/nethopper.log"

database:
  path: "/var/lib/nethopper/nethopper.db"
  retention_days: 7

execution:
  default_timeout: 15m
  max_timeout: 1h
  max_concurrent: 2
  chunk_size: 4096
  connect_timeout: 5s
  known_hosts: "/etc/ssh/ssh_known_hosts"
  allow_local: true
  env:
    LANG: C

notifications:
  mcp:
    enabled: false
    debounce: 1s
`
	cfg, err := LoadFromFile(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "/var/log/nethopper.log", cfg.Server.LogFile)
	assert.Equal(t, "/var/lib/nethopper/nethopper.db", cfg.Database.Path)
	assert.Equal(t, 7, cfg.Database.RetentionDays)
	assert.Equal(t, 15*time.Minute, cfg.Execution.DefaultTimeout)
	assert.Equal(t, time.Hour, cfg.Execution.MaxTimeout)
	assert.Equal(t, 2, cfg.Execution.MaxConcurrent)
	assert.Equal(t, 4096, cfg.Execution.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Execution.ConnectTimeout)
	assert.Equal(t, "/etc/ssh/ssh_known_hosts", cfg.Execution.KnownHosts)
	assert.True(t, cfg.Execution.AllowLocal)
	assert.Equal(t, map[string]string{"LANG": "C"}, cfg.Execution.Env)
	assert.False(t, cfg.Notifications.MCP.Enabled)
	assert.Equal(t, time.Second, cfg.Notifications.MCP.Debounce)
}

func TestLoadFromFile_ExpandsEnvVars(t *testing.T) {
	t.Setenv("NETHOPPER_TEST_TOKEN", "super-secret-value")

	content := `
auth:
  api_token: "${NETHOPPER_TEST_TOKEN}"
`
	cfg, err := LoadFromFile(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, "super-secret-value", cfg.Auth.APIToken)
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("NETHOPPER_API_TOKEN", "from-env")
	t.Setenv("NETHOPPER_LOG_LEVEL", "warn")
	t.Setenv("NETHOPPER_DB", "/tmp/override.db")
	t.Setenv("NETHOPPER_NGROK_AUTHTOKEN", "ngrok-env")

	content := `
auth:
  api_token: "from-file"
server:
  log_level: debug
`
	cfg, err := LoadFromFile(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.APIToken)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, "ngrok-env", cfg.Tunnel.AuthToken)
}

func TestLoad_UsesConfigEnvPath(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9123\n")
	t.Setenv("NETHOPPER_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9123, cfg.Server.Port)
	assert.Equal(t, path, searchPaths()[len(searchPaths())-1])
}

func TestLoadFromFile_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bind all interfaces", "server:\n  host: \"0.0.0.0\"\n", "0.0.0.0"},
		{"port too large", "server:\n  port: 99999\n", "port"},
		{"port zero", "server:\n  port: 0\n", "port"},
		{"max concurrent zero", "execution:\n  max_concurrent: 0\n", "max_concurrent"},
		{"chunk too small", "execution:\n  chunk_size: 10\n", "chunk_size"},
		{"output below chunk", "execution:\n  chunk_size: 4096\n  max_output_size: 1024\n", "max_output_size"},
		{"default above max", "execution:\n  default_timeout: 3h\n  max_timeout: 1h\n", "default_timeout"},
		{"no connect timeout", "execution:\n  connect_timeout: 0s\n", "connect_timeout"},
		{"bad log level", "server:\n  log_level: loud\n", "log_level"},
		{"tunnel without token", "tunnel:\n  enabled: true\n", "tunnel.authtoken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadFromFile(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFromFile_NonexistentFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromFile("/tmp/nethopper-nonexistent-config-file.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8470, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadFromFile_InvalidYAML_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "{{invalid yaml:::"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing YAML")
}

func TestLoadFromFile_PartialOverride_KeepsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromFile(writeConfig(t, "server:\n  port: 9999\n"))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "default host should be preserved")
	assert.Equal(t, 8, cfg.Execution.MaxConcurrent, "default max_concurrent should be preserved")
}

func TestLoadFromFile_ExpandsHomePaths(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := LoadFromFile(writeConfig(t, "execution:\n  known_hosts: \"~/.ssh/known_hosts\"\n"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".ssh/known_hosts"), cfg.Execution.KnownHosts)
	assert.Equal(t, filepath.Join(home, ".config/nethopper/nethopper.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(home, ".config/nethopper/token"), cfg.Auth.TokenFile)
}

func TestExpandHome_ReplacesLeadingTilde(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	result := ExpandHome("~/some/path")
	assert.Equal(t, filepath.Join(home, "some/path"), result)
}

func TestExpandHome_LeavesAbsolutePathsUnchanged(t *testing.T) {
	t.Parallel()

	result := ExpandHome("/absolute/path")
	assert.Equal(t, "/absolute/path", result)
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel(""))
}
