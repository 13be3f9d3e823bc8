// Package config loads the user-facing TOML configuration from ~/.termlink
// and watches it for live changes.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file under the termlink directory.
const FileName = "config.toml"

// Config is the user-facing configuration.
type Config struct {
	// Endpoint is the WebSocket URL of the PTY host, e.g.
	// wss://pty.example.com/session
	Endpoint string `toml:"endpoint"`

	// APIKeyEnv and AccessTokenEnv name the environment variables holding
	// credentials. Credentials themselves never live in the file.
	APIKeyEnv      string `toml:"api_key_env"`
	AccessTokenEnv string `toml:"access_token_env"`

	// MaxAttempts caps automatic reconnect attempts (default 5).
	MaxAttempts int `toml:"max_attempts"`

	// ConnectTimeoutSecs bounds the socket handshake (default 30).
	ConnectTimeoutSecs int `toml:"connect_timeout_secs"`

	// InactivityTimeoutSecs closes a hidden pane's socket (default 300).
	InactivityTimeoutSecs int `toml:"inactivity_timeout_secs"`

	// PassEnvironment lists local environment variables forwarded to the
	// host in the auth payload.
	PassEnvironment []string `toml:"pass_environment"`

	// Logs configures the debug log.
	Logs LogSettings `toml:"logs"`

	// Host configures the local dev PTY host (`termlink host`).
	Host HostSettings `toml:"host"`
}

// LogSettings configures the rotating debug log.
type LogSettings struct {
	// Level is "debug", "info", "warn" or "error" (default "info").
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`

	// MaxSizeMB before rotation (default 10).
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups rotated files kept (default 5).
	MaxBackups int `toml:"max_backups"`

	// Debug enables logging even without an explicit directory.
	Debug bool `toml:"debug"`
}

// HostSettings configures the local development PTY host.
type HostSettings struct {
	// Listen address (default "127.0.0.1:7681").
	Listen string `toml:"listen"`

	// Shell overrides $SHELL for spawned sessions.
	Shell string `toml:"shell"`

	// MaxSessions caps concurrent sessions (default 8); beyond it new
	// connections are rejected with the capacity close code.
	MaxSessions int `toml:"max_sessions"`

	// ConnectRatePerMin limits connection attempts per client (default 30);
	// beyond it connections are rejected with the rate-limit close code.
	ConnectRatePerMin int `toml:"connect_rate_per_min"`
}

var (
	loadOnce sync.Once
	loaded   *Config
	loadErr  error
)

// Dir returns the termlink directory (~/.termlink, or $TERMLINK_HOME).
func Dir() string {
	if dir := os.Getenv("TERMLINK_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termlink"
	}
	return filepath.Join(home, ".termlink")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), FileName)
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Endpoint:              "ws://127.0.0.1:7681/session",
		APIKeyEnv:             "TERMLINK_API_KEY",
		AccessTokenEnv:        "TERMLINK_ACCESS_TOKEN",
		MaxAttempts:           5,
		ConnectTimeoutSecs:    30,
		InactivityTimeoutSecs: 300,
		PassEnvironment:       []string{"TERM", "LANG", "LC_ALL"},
		Logs: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Host: HostSettings{
			Listen:            "127.0.0.1:7681",
			MaxSessions:       8,
			ConnectRatePerMin: 30,
		},
	}
}

// Load reads the config once per process, merging the file over defaults.
// A missing file is not an error.
func Load() (*Config, error) {
	loadOnce.Do(func() {
		loaded, loadErr = LoadFrom(Path())
	})
	return loaded, loadErr
}

// LoadFrom reads a config file, merging it over defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyFloors()
	return cfg, nil
}

func (c *Config) applyFloors() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ConnectTimeoutSecs <= 0 {
		c.ConnectTimeoutSecs = 30
	}
	if c.InactivityTimeoutSecs <= 0 {
		c.InactivityTimeoutSecs = 300
	}
	if c.Host.MaxSessions <= 0 {
		c.Host.MaxSessions = 8
	}
	if c.Host.ConnectRatePerMin <= 0 {
		c.Host.ConnectRatePerMin = 30
	}
}

// Credentials resolves the API key and access token from the environment.
func (c *Config) Credentials() (apiKey, accessToken string) {
	return os.Getenv(c.APIKeyEnv), os.Getenv(c.AccessTokenEnv)
}

// Environment builds the variable map forwarded in the auth payload.
func (c *Config) Environment() map[string]string {
	env := make(map[string]string, len(c.PassEnvironment))
	for _, name := range c.PassEnvironment {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}

// WriteDefault writes a commented default config if none exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(Default()); err != nil {
		return fmt.Errorf("config: encode defaults: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
