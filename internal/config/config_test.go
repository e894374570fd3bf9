package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Ingest.LogDir != "logs" {
		t.Errorf("expected default log dir logs, got %s", cfg.Ingest.LogDir)
	}
	if cfg.Ingest.FilePattern != "trace.*.json" {
		t.Errorf("expected default file pattern trace.*.json, got %s", cfg.Ingest.FilePattern)
	}
	if cfg.Ingest.PollIntervalMs != 2000 {
		t.Errorf("expected default poll interval 2000ms, got %d", cfg.Ingest.PollIntervalMs)
	}
	if cfg.Observability.ListenAddr != "0.0.0.0:9200" {
		t.Errorf("expected default listen addr 0.0.0.0:9200, got %s", cfg.Observability.ListenAddr)
	}
	if cfg.Events.EventType != "StorageMetrics" {
		t.Errorf("expected StorageMetrics event type, got %s", cfg.Events.EventType)
	}
	if !cfg.Events.ExportUnlisted {
		t.Error("expected unlisted fields to be exported by default")
	}
	if cfg.Samples.Enabled {
		t.Error("expected sample seeding to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultMetricDefinitionsValidate(t *testing.T) {
	for _, def := range DefaultMetricDefinitions() {
		assert.NotEmpty(t, def.Field)
		assert.NotEmpty(t, def.Help, "field %s", def.Field)
		assert.NoError(t, validateBuckets(def.Buckets), "field %s", def.Field)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
ingest:
  logDir: /var/log/foundationdb
  pollIntervalMs: 500
events:
  supportedVersions: [1, 2]
metrics:
  - field: BytesInput
    kind: counter
    name: fdb_bytes_input_total
observability:
  listenAddr: 127.0.0.1:9300
  logFormat: text
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/log/foundationdb", cfg.Ingest.LogDir)
	assert.Equal(t, int64(500), cfg.Ingest.PollIntervalMs)
	assert.Equal(t, int64(2000), cfg.Ingest.RescanIntervalMs, "unset keys keep defaults")
	assert.Equal(t, []int{1, 2}, cfg.Events.SupportedVersions)
	require.Len(t, cfg.Metrics, 1)
	assert.Equal(t, "fdb_bytes_input_total", cfg.Metrics[0].Name)
	assert.Equal(t, "127.0.0.1:9300", cfg.Observability.ListenAddr)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPathRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ingest:\n  logDirectory: /tmp\n"), 0o644))

	_, err := LoadFromPath(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Ingest, cfg.Ingest)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	t.Setenv("FDB_EXPORTER_LOG_DIR", "/tmp/fdb")
	t.Setenv("FDB_EXPORTER_LISTEN_ADDR", "127.0.0.1:1234")
	t.Setenv("FDB_EXPORTER_POLL_INTERVAL_MS", "5000")
	t.Setenv("FDB_EXPORTER_SEED_SAMPLES", "true")
	t.Setenv("FDB_EXPORTER_EXPORT_UNLISTED", "false")
	t.Setenv("FDB_EXPORTER_TLS_CERT_FILE", "/etc/tls/tls.crt")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fdb", cfg.Ingest.LogDir)
	assert.Equal(t, "127.0.0.1:1234", cfg.Observability.ListenAddr)
	assert.Equal(t, int64(5000), cfg.Ingest.PollIntervalMs)
	assert.True(t, cfg.Samples.Enabled)
	assert.False(t, cfg.Events.ExportUnlisted)
	assert.Equal(t, "/etc/tls/tls.crt", cfg.Observability.TLS.CertFile)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ingest:\n  logDir: /from/file\n"), 0o644))
	t.Setenv(ConfigPathEnv, path)
	t.Setenv("FDB_EXPORTER_LOG_DIR", "/from/env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Ingest.LogDir)
}

func TestEnvOverrideRejectsNonNumeric(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	t.Setenv("FDB_EXPORTER_POLL_INTERVAL_MS", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "expected to be an integer")
}

func TestEnvOverrideRejectsNonBoolean(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	t.Setenv("FDB_EXPORTER_SEED_SAMPLES", "sometimes")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected to be a boolean")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty log dir", func(c *Config) { c.Ingest.LogDir = " " }, "ingest.logDir"},
		{"bad pattern", func(c *Config) { c.Ingest.FilePattern = "trace.[" }, "ingest.filePattern"},
		{"zero poll", func(c *Config) { c.Ingest.PollIntervalMs = 0 }, "ingest.pollIntervalMs"},
		{"negative assumed version", func(c *Config) { c.Events.AssumeVersion = -1 }, "events.assumeVersion"},
		{"no versions", func(c *Config) { c.Events.SupportedVersions = nil }, "events.supportedVersions"},
		{"unsorted buckets", func(c *Config) { c.Events.DefaultBuckets = []float64{10, 1} }, "events.defaultBuckets"},
		{"bad kind", func(c *Config) { c.Metrics = []MetricDefinition{{Field: "X", Kind: "meter"}} }, "metrics[0].kind"},
		{"missing field", func(c *Config) { c.Metrics = []MetricDefinition{{Kind: KindGauge}} }, "metrics[0].field"},
		{"sample path", func(c *Config) { c.Samples.Enabled = true; c.Samples.FileName = "../trace.json" }, "samples.fileName"},
		{"half tls", func(c *Config) { c.Observability.TLS.CertFile = "cert.pem" }, "observability.tls"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTLSConfigEnabled(t *testing.T) {
	assert.False(t, TLSConfig{}.Enabled())
	assert.False(t, TLSConfig{CertFile: "a"}.Enabled())
	assert.True(t, TLSConfig{CertFile: "a", KeyFile: "b"}.Enabled())
}
