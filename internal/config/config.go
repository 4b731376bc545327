// Package config handles configuration loading, validation, and hot reload
// for proctorlens.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"proctorlens/internal/flagging"
	"proctorlens/internal/logging"
	"proctorlens/internal/store"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROCTORLENS_"

// Config holds the complete service configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Pipeline PipelineConfig `toml:"pipeline" json:"pipeline" yaml:"pipeline"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Server   ServerConfig   `toml:"server" json:"server" yaml:"server"`
	Inbox    InboxConfig    `toml:"inbox" json:"inbox" yaml:"inbox"`
	Flagging FlaggingConfig `toml:"flagging" json:"flagging" yaml:"flagging"`
	Crash    CrashConfig    `toml:"crash" json:"crash" yaml:"crash"`
	Audit    AuditConfig    `toml:"audit" json:"audit" yaml:"audit"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// PipelineConfig controls batch processing.
type PipelineConfig struct {
	// Workers bounds per-session parallelism. 0 means one per CPU.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// ServerConfig holds HTTP transport configuration.
type ServerConfig struct {
	// Listen is the host:port to bind.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// Mode is the gin mode: "debug", "release", or "test".
	Mode string `toml:"mode" json:"mode" yaml:"mode"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// MaxBodyMB caps request bodies.
	MaxBodyMB int `toml:"max_body_mb" json:"max_body_mb" yaml:"max_body_mb"`
}

// InboxConfig holds batch inbox watcher configuration.
type InboxConfig struct {
	// Dir is the watched directory.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// OutputDir receives one CSV per processed batch.
	OutputDir string `toml:"output_dir" json:"output_dir" yaml:"output_dir"`

	// DebounceMs is how long a file must be unchanged before processing.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// Persist stores the cohort and vectors of each processed batch.
	Persist bool `toml:"persist" json:"persist" yaml:"persist"`
}

// FlaggingConfig holds center flagging configuration.
type FlaggingConfig struct {
	// Threshold is the flagged share at which a center is flagged.
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`
}

// CrashConfig holds crash dump configuration.
type CrashConfig struct {
	Dir        string `toml:"dir" json:"dir" yaml:"dir"`
	RetainDays int    `toml:"retain_days" json:"retain_days" yaml:"retain_days"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Pipeline: PipelineConfig{
			Workers: 0,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "proctorlens.db"),
			BusyTimeoutMs: int(store.DefaultBusyTimeout / time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "proctorlens.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Server: ServerConfig{
			Listen:             "127.0.0.1:8080",
			Mode:               "release",
			ReadTimeoutSec:     30,
			WriteTimeoutSec:    60,
			ShutdownTimeoutSec: 10,
			MaxBodyMB:          64,
		},
		Inbox: InboxConfig{
			Dir:        filepath.Join(dir, "inbox"),
			OutputDir:  filepath.Join(dir, "outbox"),
			DebounceMs: 500,
			Persist:    true,
		},
		Flagging: FlaggingConfig{
			Threshold: flagging.DefaultThreshold,
		},
		Crash: CrashConfig{
			Dir:        filepath.Join(dir, "crashes"),
			RetainDays: 30,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "logs", "audit.log"),
		},
	}
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied but the result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// Save writes the configuration in the format implied by path's extension.
func Save(cfg *Config, path string) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	switch filepath.Ext(path) {
	case ".json":
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(cfg)
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(cfg)
		if err == nil {
			err = enc.Close()
		}
	default:
		err = toml.NewEncoder(f).Encode(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Variables are named PROCTORLENS_<SECTION>_<FIELD>. Unparseable numeric
// values are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envInt("PIPELINE_WORKERS", &c.Pipeline.Workers)

	envString("DB", &c.Storage.Path)
	envString("STORAGE_PATH", &c.Storage.Path)
	envInt("STORAGE_BUSY_TIMEOUT_MS", &c.Storage.BusyTimeoutMs)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("LOG_OUTPUT", &c.Logging.Output)
	envString("LOG_PATH", &c.Logging.FilePath)

	envString("SERVER_LISTEN", &c.Server.Listen)
	envString("SERVER_MODE", &c.Server.Mode)

	envString("INBOX_DIR", &c.Inbox.Dir)
	envString("INBOX_OUTPUT_DIR", &c.Inbox.OutputDir)
	envInt("INBOX_DEBOUNCE_MS", &c.Inbox.DebounceMs)

	envFloat("FLAG_THRESHOLD", &c.Flagging.Threshold)

	envString("CRASH_DIR", &c.Crash.Dir)
	envBool("AUDIT_ENABLED", &c.Audit.Enabled)
	envString("AUDIT_PATH", &c.Audit.Path)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Clone returns a copy of the configuration. Config holds no slices or maps,
// so a value copy is deep.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:  c.Version,
		Pipeline: c.Pipeline,
		Storage:  c.Storage,
		Logging:  c.Logging,
		Server:   c.Server,
		Inbox:    c.Inbox,
		Flagging: c.Flagging,
		Crash:    c.Crash,
		Audit:    c.Audit,
	}
}

// EnsureDirectories creates the directories the service writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		c.Crash.Dir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// EffectiveWorkers returns the worker count, defaulting to one per CPU.
func (p PipelineConfig) EffectiveWorkers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.NumCPU()
}

// BusyTimeout returns the SQLite busy timeout.
func (s StorageConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMs) * time.Millisecond
}

// Debounce returns the inbox debounce interval.
func (i InboxConfig) Debounce() time.Duration {
	return time.Duration(i.DebounceMs) * time.Millisecond
}

// LoggerConfig converts the section into a logging.Config.
func (l LoggingConfig) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	cfg.FilePath = l.FilePath
	cfg.MaxSize = l.MaxSizeMB
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	if component != "" {
		cfg.Component = component
	}
	return cfg, nil
}

// AuditLoggerConfig converts the section into a logging.AuditLoggerConfig.
func (a AuditConfig) AuditLoggerConfig(l LoggingConfig) *logging.AuditLoggerConfig {
	cfg := logging.DefaultAuditConfig()
	cfg.FilePath = a.Path
	cfg.Compress = l.Compress
	return cfg
}
