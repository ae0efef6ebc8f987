package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.NormalizationDelayMs != 200 {
		t.Errorf("Device.NormalizationDelayMs = %d, want 200", cfg.Device.NormalizationDelayMs)
	}
	if !cfg.Device.AutoReconnect {
		t.Error("Device.AutoReconnect should default to true")
	}
	if cfg.Connection.RetryCount != 3 {
		t.Errorf("Connection.RetryCount = %d, want 3", cfg.Connection.RetryCount)
	}
	if cfg.Discovery.Mode != ModeAssociation {
		t.Errorf("Discovery.Mode = %q, want %q", cfg.Discovery.Mode, ModeAssociation)
	}
	if cfg.Discovery.ScanTimeout != 10*time.Second {
		t.Errorf("Discovery.ScanTimeout = %v, want 10s", cfg.Discovery.ScanTimeout)
	}
	if !strings.HasSuffix(cfg.Discovery.AssociationsPath, filepath.Join("bletrigger", "associations.yaml")) {
		t.Errorf("Discovery.AssociationsPath = %q", cfg.Discovery.AssociationsPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestNormalizationDelay(t *testing.T) {
	d := DeviceConfig{NormalizationDelayMs: 150}
	if got := d.NormalizationDelay(); got != 150*time.Millisecond {
		t.Errorf("NormalizationDelay() = %v, want 150ms", got)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
device:
  normalization_delay_ms: 120
  auto_reconnect: false
connection:
  retry_count: 5
discovery:
  mode: scan
  address: "AA:BB:CC:DD:EE:FF"
  scan_timeout: 4s
  associations_path: /tmp/assoc.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Device.NormalizationDelayMs != 120 {
		t.Errorf("Device.NormalizationDelayMs = %d, want 120", cfg.Device.NormalizationDelayMs)
	}
	if cfg.Device.AutoReconnect {
		t.Error("Device.AutoReconnect = true, want false")
	}
	if cfg.Connection.RetryCount != 5 {
		t.Errorf("Connection.RetryCount = %d, want 5", cfg.Connection.RetryCount)
	}
	if cfg.Discovery.Mode != ModeScan {
		t.Errorf("Discovery.Mode = %q, want %q", cfg.Discovery.Mode, ModeScan)
	}
	if cfg.Discovery.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Discovery.Address = %q, want %q", cfg.Discovery.Address, "AA:BB:CC:DD:EE:FF")
	}
	if cfg.Discovery.ScanTimeout != 4*time.Second {
		t.Errorf("Discovery.ScanTimeout = %v, want 4s", cfg.Discovery.ScanTimeout)
	}
	if cfg.Discovery.AssociationsPath != "/tmp/assoc.yaml" {
		t.Errorf("Discovery.AssociationsPath = %q, want %q", cfg.Discovery.AssociationsPath, "/tmp/assoc.yaml")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	yamlContent := `
connection:
  retry_count: 2
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Connection.RetryCount != 2 {
		t.Errorf("Connection.RetryCount = %d, want 2", cfg.Connection.RetryCount)
	}
	if cfg.Device.NormalizationDelayMs != 200 {
		t.Errorf("Device.NormalizationDelayMs = %d, want default 200", cfg.Device.NormalizationDelayMs)
	}
	if !cfg.Device.AutoReconnect {
		t.Error("Device.AutoReconnect should keep default true")
	}
	if cfg.Discovery.Mode != ModeAssociation {
		t.Errorf("Discovery.Mode = %q, want default %q", cfg.Discovery.Mode, ModeAssociation)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
discovery:
  associations_path: ~/pairs/associations.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "pairs/associations.yaml")
	if cfg.Discovery.AssociationsPath != expected {
		t.Errorf("Discovery.AssociationsPath = %q, want %q", cfg.Discovery.AssociationsPath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("discovery: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "scan mode without associations path",
			modify:  func(c *Config) { c.Discovery.Mode = ModeScan; c.Discovery.AssociationsPath = "" },
			wantErr: false,
		},
		{
			name:    "normalization delay at lower bound",
			modify:  func(c *Config) { c.Device.NormalizationDelayMs = 100 },
			wantErr: false,
		},
		{
			name:    "normalization delay at upper bound",
			modify:  func(c *Config) { c.Device.NormalizationDelayMs = 300 },
			wantErr: false,
		},
		{
			name:    "normalization delay too small",
			modify:  func(c *Config) { c.Device.NormalizationDelayMs = 99 },
			wantErr: true,
		},
		{
			name:    "normalization delay too large",
			modify:  func(c *Config) { c.Device.NormalizationDelayMs = 301 },
			wantErr: true,
		},
		{
			name:    "zero retry count",
			modify:  func(c *Config) { c.Connection.RetryCount = 0 },
			wantErr: true,
		},
		{
			name:    "invalid discovery mode",
			modify:  func(c *Config) { c.Discovery.Mode = "invalid" },
			wantErr: true,
		},
		{
			name:    "association mode without associations path",
			modify:  func(c *Config) { c.Discovery.AssociationsPath = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Discovery.ScanTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedDir := filepath.Join(tmpHome, ".config", "bletrigger")
	expectedPath := filepath.Join(expectedDir, "config.yaml")

	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	content := string(data)

	if !strings.HasPrefix(content, "# bletrigger") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	if cfg.Discovery.Mode != ModeAssociation {
		t.Errorf("written config Discovery.Mode = %q, want %q", cfg.Discovery.Mode, ModeAssociation)
	}
	if cfg.Discovery.ScanTimeout != 10*time.Second {
		t.Errorf("written config Discovery.ScanTimeout = %v, want 10s", cfg.Discovery.ScanTimeout)
	}
	if cfg.Device.NormalizationDelayMs != 200 {
		t.Errorf("written config Device.NormalizationDelayMs = %d, want 200", cfg.Device.NormalizationDelayMs)
	}
	if cfg.Discovery.AssociationsPath != filepath.Join(expectedDir, "associations.yaml") {
		t.Errorf("written config Discovery.AssociationsPath = %q", cfg.Discovery.AssociationsPath)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "bletrigger")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
