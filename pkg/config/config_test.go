package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

const triageConfig = `
logging:
  level: DEBUG
  format: text

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true

audit:
  driver: sqlite
  dsn: "file:audit.db"

engine:
  max_iterations: 500
  late_arrival: error
  workers: 4

metrics:
  address: ":9464"

pipeline:
  id: triage
  source: csv_reader
  default_sink: output
  sinks: [output, review, quarantine]
  steps:
    - name: score_gate
      type: gate
      condition: "row['score'] > 50"
      routes: {true: continue, false: review}
    - name: split
      type: gate
      condition: "True"
      routes: {"true": fork}
      fork_to: [fast, deep]
    - name: deep_enrich
      type: transform
      plugin: field_mapper
      branches: [deep]
      options: {set: {enriched: true}}
      retry: {max_attempts: 3, base_delay: 50ms, max_delay: 2s, jitter: 0.2}
      on_error: quarantine
      rate_limit: {per_second: 20, burst: 5}
      circuit_breaker: {max_failures: 5, cooldown: 30s}
    - name: merge
      type: coalesce
      branches: [fast, deep]
      policy: best_effort
      merge: nested
      timeout: 5s

error_policy:
  posture: fail-open
  rego: |
    package pipeline.errors
    default disposition := "fail"
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullDocument(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", triageConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, LoggingConfig{Level: "debug", Format: "text"}, cfg.Logging)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, defaultServiceName, cfg.Telemetry.ServiceName)
	assert.Equal(t, AuditConfig{Driver: AuditDriverSQLite, DSN: "file:audit.db"}, cfg.Audit)
	assert.Equal(t, EngineConfig{MaxIterations: 500, LateArrival: domain.LateArrivalError, Workers: 4}, cfg.Engine)
	assert.Equal(t, ":9464", cfg.Metrics.Address)

	p := cfg.Pipeline
	assert.Equal(t, "triage", p.ID)
	assert.Equal(t, "csv_reader", p.Source)
	require.Len(t, p.Steps, 4)
	assert.Equal(t, map[string]string{"true": "continue", "false": "review"}, p.Steps[0].Routes)
	assert.Equal(t, []string{"fast", "deep"}, p.Steps[1].ForkTo)

	enrich := p.Steps[2]
	assert.Equal(t, domain.StepTransform, enrich.Type)
	require.NotNil(t, enrich.Retry)
	assert.Equal(t, domain.RetrySpec{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2}, *enrich.Retry)
	assert.Equal(t, &domain.RateLimitSpec{PerSecond: 20, Burst: 5}, enrich.RateLimit)
	assert.Equal(t, &domain.CircuitBreakerSpec{MaxFailures: 5, Cooldown: 30 * time.Second}, enrich.CircuitBreaker)
	assert.Equal(t, map[string]any{"set": map[string]any{"enriched": true}}, enrich.Options)

	merge := p.Steps[3]
	assert.Equal(t, domain.PolicyBestEffort, merge.Policy)
	assert.Equal(t, domain.MergeNested, merge.Merge)
	assert.Equal(t, 5*time.Second, merge.Timeout)

	assert.Equal(t, "fail-open", p.ErrorPolicy.Posture)
	assert.Contains(t, p.ErrorPolicy.Rego, "package pipeline.errors")
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("pipeline: {id: p, default_sink: out}\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, AuditDriverMemory, cfg.Audit.Driver)
	assert.Equal(t, defaultMaxIterations, cfg.Engine.MaxIterations)
	assert.Equal(t, domain.LateArrivalDiscard, cfg.Engine.LateArrival)
	assert.Equal(t, 1, cfg.Engine.Workers)
	assert.Empty(t, cfg.Metrics.Address)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("POLIS_PIPELINE_LOG_LEVEL", "warn")
	t.Setenv("POLIS_PIPELINE_LOG_FORMAT", "text")
	t.Setenv("POLIS_PIPELINE_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("POLIS_PIPELINE_OTLP_INSECURE", "true")
	t.Setenv("POLIS_PIPELINE_AUDIT_DSN", "file:/tmp/audit.db")
	t.Setenv("POLIS_PIPELINE_METRICS_ADDR", ":9100")

	cfg, err := Parse([]byte("pipeline: {id: p, default_sink: out}\n"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, AuditConfig{Driver: AuditDriverSQLite, DSN: "file:/tmp/audit.db"}, cfg.Audit)
	assert.Equal(t, ":9100", cfg.Metrics.Address)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		expectedErr string
	}{
		{
			name:        "unknown top-level section",
			content:     "server: {}\npipeline: {id: p, default_sink: out}\n",
			expectedErr: "additionalProperties",
		},
		{
			name:        "unknown step type",
			content:     "pipeline: {id: p, default_sink: out, steps: [{name: s, type: sorter}]}\n",
			expectedErr: "/pipeline/steps/0/type",
		},
		{
			name:        "gate without routes",
			content:     "pipeline: {id: p, default_sink: out, steps: [{name: g, type: gate, condition: 'True'}]}\n",
			expectedErr: "routes",
		},
		{
			name:        "malformed duration",
			content:     "pipeline: {id: p, default_sink: out, steps: [{name: c, type: coalesce, branches: [a], timeout: soon}]}\n",
			expectedErr: "/pipeline/steps/0/timeout",
		},
		{
			name:        "missing pipeline id",
			content:     "pipeline: {default_sink: out}\n",
			expectedErr: "id",
		},
		{
			name:        "no pipeline at all",
			content:     "logging: {level: info}\n",
			expectedErr: "pipeline id is required",
		},
		{
			name:        "bad log level",
			content:     "logging: {level: loud}\npipeline: {id: p, default_sink: out}\n",
			expectedErr: "invalid log level",
		},
		{
			name:        "sqlite without dsn",
			content:     "audit: {driver: sqlite}\npipeline: {id: p, default_sink: out}\n",
			expectedErr: "requires a dsn",
		},
		{
			name:        "negative workers",
			content:     "engine: {workers: -1}\npipeline: {id: p, default_sink: out}\n",
			expectedErr: "workers",
		},
		{
			name:        "not yaml",
			content:     "pipeline: [unclosed\n",
			expectedErr: "failed to parse config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.expectedErr)
			if tt.name != "not yaml" {
				assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults with pipeline", mutate: func(*Config) {}},
		{name: "late arrival error", mutate: func(c *Config) { c.Engine.LateArrival = domain.LateArrivalError }},
		{name: "unknown late arrival", mutate: func(c *Config) { c.Engine.LateArrival = "ignore" }, wantErr: true},
		{name: "negative max iterations", mutate: func(c *Config) { c.Engine.MaxIterations = -5 }, wantErr: true},
		{name: "unknown audit driver", mutate: func(c *Config) { c.Audit.Driver = "postgres" }, wantErr: true},
		{name: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "missing default sink", mutate: func(c *Config) { c.Pipeline.DefaultSink = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Pipeline = domain.PipelineSpec{ID: "p", DefaultSink: "out"}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrConfigInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	a := writeConfig(t, dir, "a.yaml", "pipeline: {id: a, default_sink: out}\n")
	b := writeConfig(t, dir, "nested/deeper/b.yaml", "pipeline: {id: b, default_sink: out}\n")
	writeConfig(t, dir, "nested/notes.txt", "ignored")

	files, err := Discover([]string{filepath.Join(dir, "**", "*.yaml"), a})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, files)

	_, err = Discover([]string{filepath.Join(dir, "**", "*.json")})
	assert.ErrorContains(t, err, "matched no files")

	_, err = Discover([]string{filepath.Join(dir, "missing.yaml")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "pipeline: {id: first, default_sink: out}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := Watch(ctx, []string{path}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("pipeline: {id: second, default_sink: out}\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			require.True(t, ok, "updates closed early")
			if u.Err != nil || u.Config.Pipeline.ID != "second" {
				continue
			}
			assert.Equal(t, filepath.Clean(path), u.Path)
			return
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatch_ReportsInvalidEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "pipeline: {id: ok, default_sink: out}\n")

	provider, err := NewFileProvider([]string{path}, nil)
	require.NoError(t, err)
	updates := provider.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte("pipeline: {default_sink: out}\n"), 0o600))

	select {
	case u := <-updates:
		assert.ErrorIs(t, u.Err, domain.ErrConfigInvalid)
		assert.Nil(t, u.Config)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	require.NoError(t, provider.Close())
	for range updates {
	}
}
