package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SocketPrefix names the sockets the presence service listens on:
// discord-ipc-0 through discord-ipc-9.
const SocketPrefix = "discord-ipc-"

// Config holds configuration for the presence host process.
type Config struct {
	ClientID        string        `yaml:"client_id"`
	SocketDir       string        `yaml:"socket_dir"`
	Pipe            int           `yaml:"pipe"`
	LogLevel        string        `yaml:"log_level"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	PublishBurst    int           `yaml:"publish_burst"`
	Assets          Assets        `yaml:"assets"`

	ConfigFile  string `yaml:"-"`
	InitialFile string `yaml:"-"`
}

type Assets struct {
	LargeImage string `yaml:"large_image"`
	LargeText  string `yaml:"large_text"`
	SmallImage string `yaml:"small_image"`
	SmallText  string `yaml:"small_text"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.PublishInterval == 0 {
		c.PublishInterval = 4 * time.Second
	}
	if c.PublishBurst == 0 {
		c.PublishBurst = 5
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("presence.yaml")
	}
}

// DefaultConfigPath returns name inside the user config directory, or name
// itself when that directory is unknown.
func DefaultConfigPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, "editor-presence", name)
}

// LoadFile overlays the YAML file at path. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto the current config values.
// The socket directory falls back to the runtime and temp directories the
// presence service itself uses.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRESENCE_CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("PRESENCE_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("PRESENCE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PRESENCE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("PRESENCE_PIPE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipe = n
		}
	}
	if v := os.Getenv("PRESENCE_SOCKET_DIR"); v != "" {
		c.SocketDir = v
	}
	if c.SocketDir == "" {
		c.SocketDir = RuntimeDir()
	}
}

// RuntimeDir resolves the directory holding the service sockets.
func RuntimeDir() string {
	for _, key := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "/tmp"
}

// BindFlags binds command line flags using the current config values as
// defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "application id registered with the presence service")
	fs.StringVar(&c.SocketDir, "socket-dir", c.SocketDir, "directory containing the presence service socket")
	fs.IntVar(&c.Pipe, "pipe", c.Pipe, "socket index (0-9)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; empty disables")
	fs.StringVar(&c.InitialFile, "file", c.InitialFile, "file shown as the initial activity; idle when empty")
	fs.DurationVar(&c.StartTimeout, "start-timeout", c.StartTimeout, "time allowed for connect and handshake")
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	id := strings.TrimSpace(c.ClientID)
	if id == "" {
		return fmt.Errorf("config missing client_id")
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return fmt.Errorf("client_id must be a decimal id: %q", c.ClientID)
	}
	if strings.TrimSpace(c.SocketDir) == "" {
		return fmt.Errorf("config missing socket_dir")
	}
	if c.Pipe < 0 || c.Pipe > 9 {
		return fmt.Errorf("pipe must be between 0 and 9: %d", c.Pipe)
	}
	if c.PollInterval <= 0 || c.Timeout <= 0 || c.PublishInterval <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	return nil
}

// SocketPath is the full path of the service socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.SocketDir, SocketPrefix+strconv.Itoa(c.Pipe))
}
