// Package config loads and validates the URIO engine configuration.
// Configuration is declarative YAML: store location and pool settings,
// telemetry, device identity, and the ingest rule sets. Validation runs
// through struct tags at load time so a malformed file fails before any
// component starts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/urio/urio/pkg/ingest"
	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

// Config is the root engine configuration.
type Config struct {
	// Store configures the SQLite persistence layer.
	Store StoreConfig `yaml:"store" validate:"required"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Device identifies the host this engine ingests for.
	Device DeviceConfig `yaml:"device" validate:"required"`

	// Ingest configures the source adapter and rule sets.
	Ingest IngestConfig `yaml:"ingest"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"gte=0"`

	// ConnMaxLifetime recycles connections older than this.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TelemetryConfig configures the observability stack.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogOutput string `yaml:"log_output"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"`

	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
}

// DeviceConfig identifies the ingesting device.
type DeviceConfig struct {
	// Name is the device name; devices are created on first contact.
	Name string `yaml:"name" validate:"required"`

	// Boundary is optional segmentation metadata (site, network zone).
	Boundary string `yaml:"boundary"`
}

// IngestConfig configures ingestion behavior.
type IngestConfig struct {
	// Adapter selects the source adapter kind.
	Adapter string `yaml:"adapter" validate:"omitempty,oneof=fs"`

	// Agent names the ingesting agent recorded on sessions.
	Agent string `yaml:"agent"`

	// Rules is the match/rewrite rule set.
	Rules ingest.RuleSet `yaml:"rules"`
}

// Load reads, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse parses and validates configuration bytes.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, stores.NewValidationError("malformed configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration defaults applied before parsing.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:            "urio.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			LogOutput:       "stderr",
			MetricsEnabled:  false,
			MetricsListen:   ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
		},
		Ingest: IngestConfig{
			Adapter: "fs",
			Agent:   "urio",
		},
	}
}

// Validate checks the configuration, including rule compilation.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return stores.NewValidationError("invalid configuration", err)
	}

	if err := c.Ingest.Rules.Compile(); err != nil {
		return err
	}
	return nil
}

// StoreConfig maps onto the persistence layer's configuration.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}

// TelemetryConfig maps onto the telemetry stack's configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Logging.Output = c.Telemetry.LogOutput
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	return tc
}
