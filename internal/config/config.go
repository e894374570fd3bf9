// Package config provides configuration loading and validation for the
// exporter. Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ConfigPathEnv names the environment variable consulted by Load.
const ConfigPathEnv = "FDB_EXPORTER_CONFIG"

// ErrInvalidConfig is returned (wrapped) for any validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for an exporter process.
type Config struct {
	Ingest        IngestConfig        `yaml:"ingest"`
	Events        EventsConfig        `yaml:"events"`
	Metrics       []MetricDefinition  `yaml:"metrics"`
	Samples       SamplesConfig       `yaml:"samples"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type IngestConfig struct {
	LogDir               string `yaml:"logDir" env:"FDB_EXPORTER_LOG_DIR"`
	FilePattern          string `yaml:"filePattern" env:"FDB_EXPORTER_FILE_PATTERN"`
	PollIntervalMs       int64  `yaml:"pollIntervalMs" env:"FDB_EXPORTER_POLL_INTERVAL_MS"`
	RescanIntervalMs     int64  `yaml:"rescanIntervalMs" env:"FDB_EXPORTER_RESCAN_INTERVAL_MS"`
	StaleSourceTimeoutMs int64  `yaml:"staleSourceTimeoutMs" env:"FDB_EXPORTER_STALE_SOURCE_TIMEOUT_MS"`
	MaxLineBytes         int    `yaml:"maxLineBytes" env:"FDB_EXPORTER_MAX_LINE_BYTES"`
	StartAtEnd           bool   `yaml:"startAtEnd" env:"FDB_EXPORTER_START_AT_END"`
	UseFSNotify          bool   `yaml:"useFSNotify" env:"FDB_EXPORTER_USE_FSNOTIFY"`
}

type EventsConfig struct {
	EventType         string    `yaml:"eventType" env:"FDB_EXPORTER_EVENT_TYPE"`
	VersionField      string    `yaml:"versionField" env:"FDB_EXPORTER_VERSION_FIELD"`
	AssumeVersion     int       `yaml:"assumeVersion" env:"FDB_EXPORTER_ASSUME_VERSION"`
	SupportedVersions []int     `yaml:"supportedVersions"`
	MetricPrefix      string    `yaml:"metricPrefix" env:"FDB_EXPORTER_METRIC_PREFIX"`
	LabelFields       []string  `yaml:"labelFields"`
	ExportUnlisted    bool      `yaml:"exportUnlisted" env:"FDB_EXPORTER_EXPORT_UNLISTED"`
	DefaultBuckets    []float64 `yaml:"defaultBuckets"`
}

// MetricDefinition binds one StorageMetrics field to an exported instrument.
type MetricDefinition struct {
	Field   string    `yaml:"field"`
	Name    string    `yaml:"name"`
	Kind    string    `yaml:"kind"`
	Help    string    `yaml:"help"`
	Buckets []float64 `yaml:"buckets"`
}

type SamplesConfig struct {
	Enabled    bool   `yaml:"enabled" env:"FDB_EXPORTER_SEED_SAMPLES"`
	IntervalMs int64  `yaml:"intervalMs" env:"FDB_EXPORTER_SAMPLE_INTERVAL_MS"`
	FileName   string `yaml:"fileName"`
	Machine    string `yaml:"machine"`
}

type ObservabilityConfig struct {
	ListenAddr  string    `yaml:"listenAddr" env:"FDB_EXPORTER_LISTEN_ADDR"`
	LogLevel    string    `yaml:"logLevel" env:"FDB_EXPORTER_LOG_LEVEL"`
	LogFormat   string    `yaml:"logFormat" env:"FDB_EXPORTER_LOG_FORMAT"`
	EnablePprof bool      `yaml:"enablePprof" env:"FDB_EXPORTER_ENABLE_PPROF"`
	TLS         TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile" env:"FDB_EXPORTER_TLS_CERT_FILE"`
	KeyFile  string `yaml:"keyFile" env:"FDB_EXPORTER_TLS_KEY_FILE"`
}

// Enabled reports whether both halves of the key pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Metric kinds accepted in MetricDefinition.Kind.
const (
	KindCounter   = "counter"
	KindGauge     = "gauge"
	KindHistogram = "histogram"
	KindSummary   = "summary"
	KindRate      = "rate"
)

// DefaultBuckets spans byte and microsecond magnitudes reported by storage servers.
var DefaultBuckets = []float64{1, 10, 100, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			LogDir:               "logs",
			FilePattern:          "trace.*.json",
			PollIntervalMs:       2000,
			RescanIntervalMs:     2000,
			StaleSourceTimeoutMs: 300000, // 5 minutes
			MaxLineBytes:         1 << 20,
			UseFSNotify:          true,
		},
		Events: EventsConfig{
			EventType:         "StorageMetrics",
			VersionField:      "version",
			AssumeVersion:     1,
			SupportedVersions: []int{1},
			MetricPrefix:      "fdb_storage",
			LabelFields:       []string{"Roles"},
			ExportUnlisted:    true,
			DefaultBuckets:    append([]float64(nil), DefaultBuckets...),
		},
		Metrics: DefaultMetricDefinitions(),
		Samples: SamplesConfig{
			IntervalMs: 5000,
			FileName:   "trace.0.json",
			Machine:    "127.0.0.1:4000",
		},
		Observability: ObservabilityConfig{
			ListenAddr: "0.0.0.0:9200",
			LogLevel:   "info",
			LogFormat:  "json",
		},
	}
}

// DefaultMetricDefinitions describes the StorageMetrics fields exported with
// hand-written help text. Fields not listed here still export when
// Events.ExportUnlisted is set.
func DefaultMetricDefinitions() []MetricDefinition {
	return []MetricDefinition{
		{Field: "BytesInput", Kind: KindCounter, Help: "Bytes of mutations received by the storage server."},
		{Field: "BytesInput", Kind: KindRate, Help: "Rate of mutation bytes received by the storage server."},
		{Field: "BytesDurable", Kind: KindCounter, Help: "Bytes made durable by the storage server."},
		{Field: "BytesFetched", Kind: KindCounter, Help: "Bytes fetched during data movement."},
		{Field: "MutationBytes", Kind: KindCounter, Help: "Bytes of mutations applied."},
		{Field: "Mutations", Kind: KindCounter, Help: "Mutations applied."},
		{Field: "QueryQueue", Kind: KindCounter, Help: "Read queries queued."},
		{Field: "FinishedQueries", Kind: KindCounter, Help: "Read queries completed."},
		{Field: "RowsQueried", Kind: KindCounter, Help: "Rows returned by read queries."},
		{Field: "BytesQueried", Kind: KindCounter, Help: "Bytes returned by read queries."},
		{Field: "QueryQueueMax", Kind: KindGauge, Help: "Maximum read query queue depth over the logging interval."},
		{Field: "LocalRate", Kind: KindGauge, Help: "Ratekeeper local rate in percent."},
		{Field: "KvstoreBytesUsed", Kind: KindGauge, Help: "Bytes used by the storage engine."},
		{Field: "KvstoreBytesFree", Kind: KindGauge, Help: "Free bytes reported by the storage engine."},
		{Field: "KvstoreBytesAvailable", Kind: KindGauge, Help: "Available bytes reported by the storage engine."},
		{Field: "KvstoreBytesTotal", Kind: KindGauge, Help: "Total bytes reported by the storage engine."},
		{Field: "StorageVersion", Kind: KindGauge, Help: "Latest version applied by the storage server."},
		{Field: "DurableVersion", Kind: KindGauge, Help: "Latest durable version of the storage server."},
		{Field: "VersionLag", Kind: KindGauge, Help: "Versions between the latest applied and durable version."},
		{Field: "ReadLatency", Kind: KindHistogram, Help: "Read latency in microseconds.", Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000}},
	}
}

// Load reads the file named by FDB_EXPORTER_CONFIG when set, otherwise
// starts from Default. Environment overrides are applied in both cases.
func Load() (*Config, error) {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would prevent the
// exporter from starting. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Ingest.LogDir) == "" {
		problems = append(problems, "ingest.logDir must be set")
	}
	if c.Ingest.FilePattern == "" {
		problems = append(problems, "ingest.filePattern must be set")
	} else if _, err := filepath.Match(c.Ingest.FilePattern, "x"); err != nil {
		problems = append(problems, fmt.Sprintf("ingest.filePattern %q: %v", c.Ingest.FilePattern, err))
	}
	if c.Ingest.PollIntervalMs <= 0 {
		problems = append(problems, "ingest.pollIntervalMs must be positive")
	}
	if c.Ingest.RescanIntervalMs <= 0 {
		problems = append(problems, "ingest.rescanIntervalMs must be positive")
	}
	if c.Ingest.StaleSourceTimeoutMs < 0 {
		problems = append(problems, "ingest.staleSourceTimeoutMs must not be negative")
	}
	if c.Ingest.MaxLineBytes <= 0 {
		problems = append(problems, "ingest.maxLineBytes must be positive")
	}
	if c.Events.EventType == "" {
		problems = append(problems, "events.eventType must be set")
	}
	if c.Events.VersionField == "" {
		problems = append(problems, "events.versionField must be set")
	}
	if c.Events.AssumeVersion < 0 {
		problems = append(problems, "events.assumeVersion must not be negative")
	}
	if len(c.Events.SupportedVersions) == 0 {
		problems = append(problems, "events.supportedVersions must list at least one version")
	}
	if err := validateBuckets(c.Events.DefaultBuckets); err != nil {
		problems = append(problems, "events.defaultBuckets: "+err.Error())
	}
	for i, def := range c.Metrics {
		if def.Field == "" {
			problems = append(problems, fmt.Sprintf("metrics[%d].field must be set", i))
		}
		switch def.Kind {
		case "", KindCounter, KindGauge, KindHistogram, KindSummary, KindRate:
		default:
			problems = append(problems, fmt.Sprintf("metrics[%d].kind %q is not one of counter, gauge, histogram, summary, rate", i, def.Kind))
		}
		if err := validateBuckets(def.Buckets); err != nil {
			problems = append(problems, fmt.Sprintf("metrics[%d].buckets: %v", i, err))
		}
	}
	if c.Samples.Enabled {
		if c.Samples.IntervalMs <= 0 {
			problems = append(problems, "samples.intervalMs must be positive")
		}
		if c.Samples.FileName == "" || filepath.Base(c.Samples.FileName) != c.Samples.FileName {
			problems = append(problems, "samples.fileName must be a plain file name")
		}
	}
	if c.Observability.ListenAddr == "" {
		problems = append(problems, "observability.listenAddr must be set")
	}
	tls := c.Observability.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		problems = append(problems, "observability.tls requires both certFile and keyFile")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

func validateBuckets(b []float64) error {
	for i := 1; i < len(b); i++ {
		if b[i] <= b[i-1] {
			return fmt.Errorf("bucket %d (%g) is not greater than bucket %d (%g)", i, b[i], i-1, b[i-1])
		}
	}
	return nil
}
