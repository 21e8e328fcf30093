package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/nethopper/nethopper.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nethopper", "nethopper.yaml"))
	}

	paths = append(paths, "nethopper.yaml")

	if envPath := os.Getenv("NETHOPPER_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/nethopper/nethopper.yaml < ~/.config/nethopper/nethopper.yaml < ./nethopper.yaml < $NETHOPPER_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("NETHOPPER_API_TOKEN"); token != "" {
		cfg.Auth.APIToken = token
	}
	if level := os.Getenv("NETHOPPER_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
	if path := os.Getenv("NETHOPPER_DB"); path != "" {
		cfg.Database.Path = path
	}
	if token := os.Getenv("NETHOPPER_NGROK_AUTHTOKEN"); token != "" {
		cfg.Tunnel.AuthToken = token
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// ParseLogLevel maps a config level name to a slog level. Unknown names
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" {
		return fmt.Errorf("server.host must not be 0.0.0.0, nethopper listens on localhost only (put a reverse proxy in front for remote access)")
	}

	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", cfg.Server.LogLevel)
	}

	if cfg.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution.max_concurrent must be at least 1")
	}

	if cfg.Execution.ChunkSize < 512 || cfg.Execution.ChunkSize > 1048576 {
		return fmt.Errorf("execution.chunk_size must be between 512 and 1048576, got %d", cfg.Execution.ChunkSize)
	}

	if cfg.Execution.MaxOutputSize < cfg.Execution.ChunkSize {
		return fmt.Errorf("execution.max_output_size must be at least execution.chunk_size")
	}

	if cfg.Execution.DefaultTimeout > cfg.Execution.MaxTimeout {
		return fmt.Errorf("execution.default_timeout (%s) exceeds execution.max_timeout (%s)",
			cfg.Execution.DefaultTimeout, cfg.Execution.MaxTimeout)
	}

	if cfg.Execution.ConnectTimeout <= 0 {
		return fmt.Errorf("execution.connect_timeout must be positive")
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.AuthToken == "" {
		return fmt.Errorf("tunnel.authtoken is required when the tunnel is enabled (or set NETHOPPER_NGROK_AUTHTOKEN)")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.TokenFile = ExpandHome(cfg.Auth.TokenFile)
	cfg.Execution.KnownHosts = ExpandHome(cfg.Execution.KnownHosts)
	cfg.Execution.WorkDir = ExpandHome(cfg.Execution.WorkDir)

	return nil
}
