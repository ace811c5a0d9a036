// Package config provides configuration parsing and validation for Muti Relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration. The server and client
// commands read the sections that apply to them.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Limits    LimitsConfig    `yaml:"limits"`
	Health    HealthConfig    `yaml:"health"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	History   HistoryConfig   `yaml:"history"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig defines the relay server.
type ServerConfig struct {
	Address   string          `yaml:"address"`
	FilesDir  string          `yaml:"files_dir"` // where uploads are stored
	Console   bool            `yaml:"console"`   // read operator commands from stdin
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig defines the optional WebSocket listener. Each binary
// WebSocket message carries exactly one frame.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// ClientConfig defines the interactive client.
type ClientConfig struct {
	Address     string `yaml:"address"` // host:port or ws://host:port/path
	Username    string `yaml:"username"`
	DownloadDir string `yaml:"download_dir"`
}

// TransferConfig defines file transfer behavior.
type TransferConfig struct {
	ChunkEncoding    string        `yaml:"chunk_encoding"` // binary or hex
	RateLimit        string        `yaml:"rate_limit"`     // e.g. "1MiB", empty = unlimited
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 = none
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DiscoveryConfig defines mDNS advertisement of the server.
type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Service       string        `yaml:"service"`
	Domain        string        `yaml:"domain"`
	Instance      string        `yaml:"instance"` // empty = hostname
	BrowseTimeout time.Duration `yaml:"browse_timeout"`
}

// HistoryConfig defines the transfer history ledger.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Address:  "127.0.0.1:8888",
			FilesDir: "received",
			Console:  true,
			WebSocket: WebSocketConfig{
				Enabled: false,
				Address: "127.0.0.1:8889",
				Path:    "/relay",
			},
		},
		Client: ClientConfig{
			Address:     "127.0.0.1:8888",
			DownloadDir: "downloads",
		},
		Transfer: TransferConfig{
			ChunkEncoding:    "binary",
			ProgressInterval: 200 * time.Millisecond,
		},
		Limits: LimitsConfig{
			MaxConnections:   256,
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      0,
			WriteTimeout:     30 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:       false,
			Service:       "_muti-relay._tcp",
			Domain:        "local.",
			BrowseTimeout: 3 * time.Second,
		},
		History: HistoryConfig{
			Enabled: false,
			DataDir: "./data",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, reporting all of them at once.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if err := validateHostPort(c.Server.Address); err != nil {
		errs = append(errs, fmt.Sprintf("server.address: %v", err))
	}
	if c.Server.FilesDir == "" {
		errs = append(errs, "server.files_dir is required")
	}
	if ws := c.Server.WebSocket; ws.Enabled {
		if err := validateHostPort(ws.Address); err != nil {
			errs = append(errs, fmt.Sprintf("server.websocket.address: %v", err))
		}
		if !strings.HasPrefix(ws.Path, "/") {
			errs = append(errs, "server.websocket.path must start with /")
		}
	}

	if c.Client.Address == "" {
		errs = append(errs, "client.address is required")
	}
	if c.Client.DownloadDir == "" {
		errs = append(errs, "client.download_dir is required")
	}

	if c.Transfer.ChunkEncoding != "binary" && c.Transfer.ChunkEncoding != "hex" {
		errs = append(errs, fmt.Sprintf("invalid transfer.chunk_encoding: %s (must be binary or hex)", c.Transfer.ChunkEncoding))
	}
	if _, err := c.Transfer.RateLimitBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("transfer.rate_limit: %v", err))
	}
	if c.Transfer.ProgressInterval < 0 {
		errs = append(errs, "transfer.progress_interval must not be negative")
	}

	if c.Limits.MaxConnections < 1 {
		errs = append(errs, "limits.max_connections must be positive")
	}
	if c.Limits.HandshakeTimeout <= 0 {
		errs = append(errs, "limits.handshake_timeout must be positive")
	}
	if c.Limits.IdleTimeout < 0 {
		errs = append(errs, "limits.idle_timeout must not be negative")
	}
	if c.Limits.WriteTimeout < 0 {
		errs = append(errs, "limits.write_timeout must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Discovery.Enabled && c.Discovery.Service == "" {
		errs = append(errs, "discovery.service is required when enabled")
	}
	if c.History.Enabled && c.History.DataDir == "" {
		errs = append(errs, "history.data_dir is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// RateLimitBytes returns the sender rate limit in bytes per second, 0 when unset.
func (t TransferConfig) RateLimitBytes() (int64, error) {
	if strings.TrimSpace(t.RateLimit) == "" {
		return 0, nil
	}
	return ParseSize(t.RateLimit)
}

// ParseSize parses a human-readable size such as "512KB", "1MiB" or "1024".
// Decimal units are powers of 1000, binary units powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}
	return int64(n), nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Save writes the configuration as YAML to path. An existing file is only
// replaced when overwrite is set.
func (c *Config) Save(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
