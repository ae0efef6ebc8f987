package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Discovery modes.
const (
	ModeAssociation = "association"
	ModeScan        = "scan"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

// DeviceConfig holds event timing and reconnection settings.
type DeviceConfig struct {
	NormalizationDelayMs int  `yaml:"normalization_delay_ms"` // 100..300
	AutoReconnect        bool `yaml:"auto_reconnect"`
}

// ConnectionConfig holds link-level settings.
type ConnectionConfig struct {
	RetryCount int `yaml:"retry_count"`
}

// DiscoveryConfig holds peripheral discovery settings.
type DiscoveryConfig struct {
	Mode             string        `yaml:"mode"` // "association" or "scan"
	Address          string        `yaml:"address"`
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	AssociationsPath string        `yaml:"associations_path"`
}

// NormalizationDelay returns the configured delay as a duration.
func (d DeviceConfig) NormalizationDelay() time.Duration {
	return time.Duration(d.NormalizationDelayMs) * time.Millisecond
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bletrigger")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Device: DeviceConfig{
			NormalizationDelayMs: 200,
			AutoReconnect:        true,
		},
		Connection: ConnectionConfig{
			RetryCount: 3,
		},
		Discovery: DiscoveryConfig{
			Mode:             ModeAssociation,
			ScanTimeout:      10 * time.Second,
			AssociationsPath: filepath.Join(DefaultConfigDir(), "associations.yaml"),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in associations_path is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Discovery.AssociationsPath = expandTilde(cfg.Discovery.AssociationsPath)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	header := "# bletrigger configuration\n# See discovery.mode for \"association\" or \"scan\".\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.NormalizationDelayMs < 100 || c.Device.NormalizationDelayMs > 300 {
		return fmt.Errorf("device.normalization_delay_ms must be between 100 and 300, got %d", c.Device.NormalizationDelayMs)
	}

	if c.Connection.RetryCount < 1 {
		return fmt.Errorf("connection.retry_count must be >= 1, got %d", c.Connection.RetryCount)
	}

	switch c.Discovery.Mode {
	case ModeAssociation:
		if c.Discovery.AssociationsPath == "" {
			return fmt.Errorf("discovery.associations_path must not be empty in association mode")
		}
	case ModeScan:
	default:
		return fmt.Errorf("discovery.mode must be %q or %q, got %q", ModeAssociation, ModeScan, c.Discovery.Mode)
	}

	if c.Discovery.ScanTimeout <= 0 {
		return fmt.Errorf("discovery.scan_timeout must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
