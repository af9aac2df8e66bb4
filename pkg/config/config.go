// Package config provides configuration structures and loading logic for the pipeline runner.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

const (
	defaultMaxIterations = 10000
	defaultServiceName   = "polis-pipeline"
)

// Config holds the global configuration for a pipeline run.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`
	Engine    EngineConfig    `yaml:"engine"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	Pipeline domain.PipelineSpec `yaml:"pipeline"`
	// ErrorPolicy may sit next to the pipeline instead of inside it.
	ErrorPolicy *domain.ErrorPolicySpec `yaml:"error_policy,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`

	// SampleRatio is the fraction of row traces kept. Nil keeps every trace.
	SampleRatio *float64 `yaml:"sample_ratio"`
}

// AuditConfig selects the audit trail backend.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Audit drivers.
const (
	AuditDriverMemory = "memory"
	AuditDriverSQLite = "sqlite"
)

// EngineConfig tunes the row processor.
type EngineConfig struct {
	MaxIterations int                    `yaml:"max_iterations"`
	LateArrival   domain.LateArrivalMode `yaml:"late_arrival"`
	Workers       int                    `yaml:"workers"`
}

// MetricsConfig holds configuration for the Prometheus endpoint. An empty
// address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns a configuration populated with defaults and no pipeline.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: defaultServiceName},
		Audit:     AuditConfig{Driver: AuditDriverMemory},
		Engine: EngineConfig{
			MaxIterations: defaultMaxIterations,
			LateArrival:   domain.LateArrivalDiscard,
			Workers:       1,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a settings document, checks it against the embedded schema,
// applies environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validateDocument(raw); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.ErrorPolicy != nil && cfg.Pipeline.ErrorPolicy.Rego == "" {
		cfg.Pipeline.ErrorPolicy = *cfg.ErrorPolicy
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_PIPELINE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_PIPELINE_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("POLIS_PIPELINE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_PIPELINE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("POLIS_PIPELINE_AUDIT_DSN"); val != "" {
		cfg.Audit.DSN = val
		if cfg.Audit.Driver == "" || cfg.Audit.Driver == AuditDriverMemory {
			cfg.Audit.Driver = AuditDriverSQLite
		}
	}

	if val := os.Getenv("POLIS_PIPELINE_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}
}

// Validate performs validation of the entire configuration. Every error
// wraps domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging configuration: %w", domain.ErrConfigInvalid, err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry configuration: %w", domain.ErrConfigInvalid, err)
	}

	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("%w: audit configuration: %w", domain.ErrConfigInvalid, err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("%w: engine configuration: %w", domain.ErrConfigInvalid, err)
	}

	if err := validatePipeline(&c.Pipeline); err != nil {
		return fmt.Errorf("%w: pipeline configuration: %w", domain.ErrConfigInvalid, err)
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	if c.SampleRatio != nil && (*c.SampleRatio < 0 || *c.SampleRatio > 1) {
		return fmt.Errorf("sample_ratio must be between 0 and 1, got %g", *c.SampleRatio)
	}
	return nil
}

// Validate checks the audit driver and its DSN.
func (c *AuditConfig) Validate() error {
	driver := strings.TrimSpace(strings.ToLower(c.Driver))
	switch driver {
	case "", AuditDriverMemory:
		c.Driver = AuditDriverMemory
	case AuditDriverSQLite:
		c.Driver = driver
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("sqlite driver requires a dsn")
		}
	default:
		return fmt.Errorf("unknown audit driver %q, supported drivers: memory, sqlite", c.Driver)
	}
	return nil
}

// Validate checks engine limits and fills defaults.
func (c *EngineConfig) Validate() error {
	switch {
	case c.MaxIterations == 0:
		c.MaxIterations = defaultMaxIterations
	case c.MaxIterations < 0:
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}

	switch c.LateArrival {
	case "":
		c.LateArrival = domain.LateArrivalDiscard
	case domain.LateArrivalDiscard, domain.LateArrivalError:
	default:
		return fmt.Errorf("unknown late_arrival mode %q, supported modes: discard, error", c.LateArrival)
	}

	switch {
	case c.Workers == 0:
		c.Workers = 1
	case c.Workers < 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}

// validatePipeline covers the document-level fields. Step wiring is checked
// when the engine builds the graph.
func validatePipeline(p *domain.PipelineSpec) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if strings.TrimSpace(p.DefaultSink) == "" {
		return fmt.Errorf("pipeline %s: default_sink is required", p.ID)
	}
	return nil
}
