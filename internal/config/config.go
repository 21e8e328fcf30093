package config

import "time"

// Config is the root configuration for nethopper.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

type AuthConfig struct {
	// APIToken, when set, is the bearer token clients must present.
	// Otherwise a token is read from (or generated into) TokenFile.
	APIToken  string `yaml:"api_token"`
	TokenFile string `yaml:"token_file"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration     `yaml:"default_timeout"`
	MaxTimeout     time.Duration     `yaml:"max_timeout"`
	MaxConcurrent  int               `yaml:"max_concurrent"`
	MaxOutputSize  int               `yaml:"max_output_size"`
	ChunkSize      int               `yaml:"chunk_size"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	KnownHosts     string            `yaml:"known_hosts"`
	AllowLocal     bool              `yaml:"allow_local"`
	Shell          string            `yaml:"shell"`
	WorkDir        string            `yaml:"work_dir"`
	Env            map[string]string `yaml:"env"`
}

type NotificationsConfig struct {
	MCP MCPNotifyConfig `yaml:"mcp"`
	Log bool            `yaml:"log"`
}

type MCPNotifyConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8470,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			TokenFile: "~/.config/nethopper/token",
		},
		Database: DatabaseConfig{
			Path:          "~/.config/nethopper/nethopper.db",
			RetentionDays: 30,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 30 * time.Minute,
			MaxTimeout:     2 * time.Hour,
			MaxConcurrent:  8,
			MaxOutputSize:  1048576, // 1MB
			ChunkSize:      8192,
			ConnectTimeout: 10 * time.Second,
			Shell:          "/bin/sh",
		},
		Notifications: NotificationsConfig{
			MCP: MCPNotifyConfig{
				Enabled:  true,
				Debounce: 3 * time.Second,
			},
			Log: true,
		},
	}
}

// TunnelConfig publishes the server through an ngrok endpoint so remote MCP
// clients can reach a loopback-only listener.
type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}
