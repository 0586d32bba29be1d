package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.Pool.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)
	assert.Equal(t, 10*time.Second, cfg.Providers.CallTimeout)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.InDelta(t, 0.9, cfg.Salesforce.Confidence, 0.001)
	assert.InDelta(t, 0.02, cfg.Pricing.Jina.PerMTok, 0.0001)
	assert.Equal(t, 5*time.Minute, cfg.Monitoring.CheckInterval)
	assert.InDelta(t, 0.10, cfg.Monitoring.MergeFailureRate, 0.001)

	// Component sections keep their package defaults.
	assert.InDelta(t, 0.88, cfg.Resolve.High, 0.001)
	assert.InDelta(t, 0.70, cfg.Resolve.Low, 0.001)
	assert.Equal(t, []string{"salesforce", "hubspot"}, cfg.Resolve.AuthoritativeSystems)
	assert.Equal(t, 90*24*time.Hour, cfg.Merge.Staleness)
	assert.Contains(t, cfg.Merge.CriticalFields[model.KindCompany], model.FieldDomain)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Deadline)
	assert.Equal(t, 3, cfg.Pipeline.Batch.MaxRetries)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/e.db
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins: ["https://app.example.com"]
resolve:
  fuzzy_threshold: 0.92
pipeline:
  deadline: 45s
  batch:
    concurrency: 16
resilience:
  limits:
    - name: clearbit
      rps: 2
      burst: 4
providers:
  timeouts:
    clearbit: 3s
monitoring:
  webhook_url: https://hooks.example.com/alerts
  workspaces: [ws1]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/e.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 0.92, cfg.Resolve.High, 0.001)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.Deadline)
	assert.Equal(t, 16, cfg.Pipeline.Batch.Concurrency)
	require.Len(t, cfg.Resilience.Limits, 1)
	assert.Equal(t, "clearbit", cfg.Resilience.Limits[0].Name)
	assert.Equal(t, 3*time.Second, cfg.Providers.Timeouts["clearbit"])
	assert.Equal(t, []string{"ws1"}, cfg.Monitoring.Workspaces)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.70, cfg.Resolve.Low, 0.001)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.RefreshAfter)

	require.NoError(t, cfg.Validate("serve"))
	guards := cfg.Resilience.Guards()
	assert.Equal(t, 5, guards.Breaker.FailureThreshold)
	assert.InDelta(t, 2.0, guards.Providers["clearbit"].RPS, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ENRICH_STORE_DRIVER", "memory")
	t.Setenv("ENRICH_LOG_LEVEL", "warn")
	t.Setenv("ENRICH_NOTION_TOKEN", "ntn_secret")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "ntn_secret", cfg.Notion.Token)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ENRICH_SERVER_PORT", "3000")
	t.Setenv("ENRICH_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a loaded default Config that passes validation.
func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults(t)
	for _, mode := range []string{"enrich", "serve", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.databaseurl failed required_if")

	cfg.Store.Driver = "memory"
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidate_Intake(t *testing.T) {
	cfg := validDefaults(t)

	err := cfg.Validate("intake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion.token is required")
	assert.Contains(t, err.Error(), "notion.intake_db is required")

	cfg.Notion.Token = "ntn_token"
	cfg.Notion.IntakeDB = "db-intake"
	assert.NoError(t, cfg.Validate("intake"))
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_FieldConstraints(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver failed oneof"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level failed oneof"},
		{"thresholds order", func(c *Config) { c.Resolve.Low = 0.95 }, "low_fuzzy_threshold must not exceed"},
		{"threshold range", func(c *Config) { c.Resolve.High = 1.5 }, "resolve.thresholds.high failed lte"},
		{"batch concurrency", func(c *Config) { c.Pipeline.Batch.Concurrency = 100 }, "pipeline.batch.concurrency failed lte"},
		{"alert rate", func(c *Config) { c.Monitoring.MergeFailureRate = 2 }, "monitoring.mergefailurerate failed lte"},
		{"webhook url", func(c *Config) { c.Monitoring.WebhookURL = "not a url" }, "monitoring.webhookurl failed url"},
		{"limit name", func(c *Config) { c.Resilience.Limits = []ProviderLimit{{RPS: 1}} }, "resilience.limits[0].name failed required"},
		{"salesforce token", func(c *Config) { c.Salesforce.Domain = "acme.my.salesforce.com" }, "salesforce.accesstoken failed required_with"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults(t)
			tt.mutate(cfg)
			err := cfg.Validate("enrich")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
