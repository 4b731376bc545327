package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("PROCTORLENS_DATA_DIR", "/srv/proctorlens")
	cfg := DefaultConfig()

	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, "/srv/proctorlens/proctorlens.db", cfg.Storage.Path)
	assert.Equal(t, 5000, cfg.Storage.BusyTimeoutMs)
	assert.Equal(t, 0.10, cfg.Flagging.Threshold)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestDataDirOverride(t *testing.T) {
	t.Setenv("PROCTORLENS_DATA_DIR", "/data")
	assert.Equal(t, "/data", DataDir())

	t.Setenv("PROCTORLENS_DATA_DIR", "")
	assert.NotEmpty(t, DataDir())
	assert.Equal(t, "config.toml", filepath.Base(ConfigPath()))
}

// =============================================================================
// Load
// =============================================================================

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"config.toml", `
[pipeline]
workers = 4

[server]
listen = "0.0.0.0:9000"

[flagging]
threshold = 0.25
`},
		{"config.json", `{"pipeline": {"workers": 4}, "server": {"listen": "0.0.0.0:9000"}, "flagging": {"threshold": 0.25}}`},
		{"config.yaml", `
pipeline:
  workers: 4
server:
  listen: 0.0.0.0:9000
flagging:
  threshold: 0.25
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, dir, tt.name, tt.content))
			require.NoError(t, err)
			assert.Equal(t, 4, cfg.Pipeline.Workers)
			assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
			assert.Equal(t, 0.25, cfg.Flagging.Threshold)
			// Unset fields keep their defaults.
			assert.Equal(t, "release", cfg.Server.Mode)
			assert.Equal(t, 500, cfg.Inbox.DebounceMs)
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(writeFile(t, dir, "bad.toml", "[pipeline\nworkers = "))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "bad.json", "{"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PROCTORLENS_DB", "/tmp/override.db")
	t.Setenv("PROCTORLENS_LOG_LEVEL", "debug")
	t.Setenv("PROCTORLENS_PIPELINE_WORKERS", "3")
	t.Setenv("PROCTORLENS_FLAG_THRESHOLD", "0.5")
	t.Setenv("PROCTORLENS_AUDIT_ENABLED", "false")
	t.Setenv("PROCTORLENS_INBOX_DEBOUNCE_MS", "not-a-number")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, 0.5, cfg.Flagging.Threshold)
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, 500, cfg.Inbox.DebounceMs, "unparseable values are ignored")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Pipeline.Workers = 7
	cfg.Server.Listen = "127.0.0.1:9999"

	for _, name := range []string{"out.toml", "out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name)
			require.NoError(t, Save(cfg, path))

			got, err := loadConfigFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Pipeline, got.Pipeline)
			assert.Equal(t, cfg.Server, got.Server)
			assert.Equal(t, cfg.Storage, got.Storage)
		})
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Pipeline.Workers = 99

	assert.Equal(t, 0, cfg.Pipeline.Workers)
	assert.Equal(t, cfg.Storage, clone.Storage)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "db", "p.db")
	cfg.Crash.Dir = filepath.Join(dir, "crashes")
	cfg.Audit.Path = filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, cfg.EnsureDirectories())
	for _, sub := range []string{"db", "crashes", "audit"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDerivedSettings(t *testing.T) {
	cfg := DefaultConfig()
	assert.Positive(t, cfg.Pipeline.EffectiveWorkers())
	cfg.Pipeline.Workers = 2
	assert.Equal(t, 2, cfg.Pipeline.EffectiveWorkers())
	assert.Equal(t, 5*time.Second, cfg.Storage.BusyTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Inbox.Debounce())

	lc, err := cfg.Logging.LoggerConfig("serve")
	require.NoError(t, err)
	assert.Equal(t, "serve", lc.Component)
	assert.Equal(t, 100, lc.MaxSize)

	cfg.Logging.Format = "xml"
	_, err = cfg.Logging.LoggerConfig("")
	assert.Error(t, err)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative workers", func(c *Config) { c.Pipeline.Workers = -1 }, "pipeline.workers"},
		{"missing db", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"bad listen", func(c *Config) { c.Server.Listen = "8080" }, "server.listen"},
		{"bad mode", func(c *Config) { c.Server.Mode = "prod" }, "server.mode"},
		{"zero threshold", func(c *Config) { c.Flagging.Threshold = 0 }, "flagging.threshold"},
		{"threshold above one", func(c *Config) { c.Flagging.Threshold = 1.5 }, "flagging.threshold"},
		{"same inbox and outbox", func(c *Config) { c.Inbox.OutputDir = c.Inbox.Dir }, "inbox.output_dir"},
		{"tiny debounce", func(c *Config) { c.Inbox.DebounceMs = 1 }, "inbox.debounce_ms"},
		{"audit without path", func(c *Config) { c.Audit.Path = "" }, "audit.path"},
		{"future version", func(c *Config) { c.Version = Version + 1 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateWarningsOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inbox.Dir = ""
	assert.NoError(t, cfg.Validate(), "a missing inbox dir is only a warning")

	errs := ValidationErrors{*RequiredFieldError("inbox.dir"), *RangeError("server.max_body_mb", 1, 1024)}
	assert.Len(t, errs.Warnings(), 1)
	assert.Len(t, errs.Errors(), 1)
	assert.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "config: inbox.dir: required field is missing")
}

// =============================================================================
// Loader
// =============================================================================

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "[pipeline]\nworkers = 2\n")

	l := NewLoader(path)
	defer l.Close()

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Same(t, cfg, l.Config())

	bad := writeFile(t, dir, "bad.toml", "[flagging]\nthreshold = 2.0\n")
	_, err = NewLoader(bad).Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoaderWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "[pipeline]\nworkers = 2\n")

	l := NewLoader(path)
	defer l.Close()
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[pipeline]\nworkers = 6\n"), 0600))

	select {
	case c := <-changed:
		assert.Equal(t, 6, c.Pipeline.Workers)
		assert.Equal(t, 6, l.Config().Pipeline.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoaderWatchKeepsConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "[pipeline]\nworkers = 2\n")

	l := NewLoader(path)
	defer l.Close()
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[pipeline]\nworkers = -4\n"), 0600))

	select {
	case err := <-l.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	assert.Equal(t, 2, l.Config().Pipeline.Workers)
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotNil(t, cfg)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}
