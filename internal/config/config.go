package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Reader   ReaderConfig `yaml:"reader"`
	Scan     ScanConfig   `yaml:"scan"`
	Hotkeys  HotkeyConfig `yaml:"hotkeys"`
	LogLevel string       `yaml:"log_level"`
}

// ReaderConfig selects the reader and tunes the connection supervisor.
type ReaderConfig struct {
	DeviceMAC                  string        `yaml:"device_mac"`  // pin to one address; empty accepts any reader
	NamePrefix                 string        `yaml:"name_prefix"` // only readers whose name starts with this
	Password                   string        `yaml:"password"`
	PasswordFile               string        `yaml:"password_file"` // read the password from this file instead
	MaxAttempts                int           `yaml:"max_attempts"`
	DefaultRegionIndex         int           `yaml:"default_region_index"`
	ResponseTimeout            time.Duration `yaml:"response_timeout"`
	IgnoreForeignDisappearance bool          `yaml:"ignore_foreign_disappearance"`
}

// ScanConfig controls periodic discovery.
type ScanConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

// HotkeyConfig holds the operator hotkey bindings.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Resume  []string `yaml:"resume"`
	Reset   []string `yaml:"reset"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "readerlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Reader: ReaderConfig{
			NamePrefix:         "RFID-",
			MaxAttempts:        5,
			DefaultRegionIndex: 1,
			ResponseTimeout:    5 * time.Second,
		},
		Scan: ScanConfig{
			Interval: 10 * time.Second,
			Window:   5 * time.Second,
		},
		Hotkeys: HotkeyConfig{
			Enabled: false,
			Resume:  []string{"ctrl", "shift", "r"},
			Reset:   []string{"ctrl", "shift", "x"},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A password_file is read into Password.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Reader.PasswordFile != "" {
		cfg.Reader.PasswordFile = expandTilde(cfg.Reader.PasswordFile)
		raw, err := os.ReadFile(cfg.Reader.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading password file: %w", err)
		}
		cfg.Reader.Password = strings.TrimRight(string(raw), "\r\n")
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Reader.MaxAttempts < 1 {
		return fmt.Errorf("reader.max_attempts must be >= 1, got %d", c.Reader.MaxAttempts)
	}
	if c.Reader.DefaultRegionIndex < 0 {
		return fmt.Errorf("reader.default_region_index must be >= 0, got %d", c.Reader.DefaultRegionIndex)
	}
	if c.Reader.ResponseTimeout <= 0 {
		return errors.New("reader.response_timeout must be > 0")
	}

	if c.Scan.Interval <= 0 {
		return errors.New("scan.interval must be > 0")
	}
	if c.Scan.Window <= 0 {
		return errors.New("scan.window must be > 0")
	}
	if c.Scan.Window > c.Scan.Interval {
		return fmt.Errorf("scan.window (%s) must not exceed scan.interval (%s)", c.Scan.Window, c.Scan.Interval)
	}

	if c.Hotkeys.Enabled {
		if len(c.Hotkeys.Resume) == 0 {
			return errors.New("hotkeys.resume must not be empty")
		}
		if len(c.Hotkeys.Reset) == 0 {
			return errors.New("hotkeys.reset must not be empty")
		}
		if strings.Join(c.Hotkeys.Resume, "+") == strings.Join(c.Hotkeys.Reset, "+") {
			return errors.New("hotkeys.resume and hotkeys.reset must differ")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# readerlink configuration
#
# reader.device_mac pins the agent to one reader; leave it empty to take
# whichever reader appears first. Durations use Go syntax (5s, 1m).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" with no error when a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	// The file may hold the reader password.
	if err := os.WriteFile(path, append([]byte(defaultHeader+"\n"), body...), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level string to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
