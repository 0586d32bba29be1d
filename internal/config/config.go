package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/enrichment-engine/internal/cost"
	"github.com/sells-group/enrichment-engine/internal/freshness"
	"github.com/sells-group/enrichment-engine/internal/merge"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/pipeline"
	"github.com/sells-group/enrichment-engine/internal/provider/httpapi"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/resolve"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig            `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig            `yaml:"redis" mapstructure:"redis"`
	Notion     NotionConfig           `yaml:"notion" mapstructure:"notion"`
	Jina       JinaConfig             `yaml:"jina" mapstructure:"jina"`
	Salesforce SalesforceConfig       `yaml:"salesforce" mapstructure:"salesforce"`
	Providers  ProvidersConfig        `yaml:"providers" mapstructure:"providers"`
	Resilience ResilienceConfig       `yaml:"resilience" mapstructure:"resilience"`
	Pricing    cost.Rates             `yaml:"pricing" mapstructure:"pricing"`
	Merge      merge.Config           `yaml:"merge" mapstructure:"merge"`
	Resolve    resolve.Config         `yaml:"resolve" mapstructure:"resolve"`
	Freshness  freshness.Config       `yaml:"freshness" mapstructure:"freshness"`
	Pipeline   pipeline.Config        `yaml:"pipeline" mapstructure:"pipeline"`
	Roles      RolesConfig            `yaml:"roles" mapstructure:"roles"`
	Server     ServerConfig           `yaml:"server" mapstructure:"server"`
	Monitoring monitoring.AlertConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig              `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url" validate:"required_if=Driver postgres"`
	SQLitePath  string           `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// RedisConfig enables the shared entity lock. An empty Addr keeps locks
// in-process.
type RedisConfig struct {
	Addr       string        `yaml:"addr" mapstructure:"addr"`
	Password   string        `yaml:"password" mapstructure:"password"`
	DB         int           `yaml:"db" mapstructure:"db" validate:"gte=0"`
	LockTTL    time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	LockPrefix string        `yaml:"lock_prefix" mapstructure:"lock_prefix"`
}

// NotionConfig holds Notion API credentials and the intake database.
type NotionConfig struct {
	Token    string  `yaml:"token" mapstructure:"token"`
	IntakeDB string  `yaml:"intake_db" mapstructure:"intake_db"`
	RPS      float64 `yaml:"rps" mapstructure:"rps" validate:"gte=0"`
}

// JinaConfig holds Jina search settings used for employment checks.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url" validate:"omitempty,url"`
	MaxAttempts   int    `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=0"`
}

// SalesforceConfig holds Salesforce credentials for the CRM provider.
type SalesforceConfig struct {
	Domain      string  `yaml:"domain" mapstructure:"domain"`
	AccessToken string  `yaml:"access_token" mapstructure:"access_token" validate:"required_with=Domain"`
	RPS         float64 `yaml:"rps" mapstructure:"rps" validate:"gte=0"`
	Confidence  float64 `yaml:"confidence" mapstructure:"confidence" validate:"gte=0,lte=1"`
}

// ProvidersConfig lists the enrichment adapters to register.
type ProvidersConfig struct {
	// FixturesPath loads canned adapters from a YAML file.
	FixturesPath string                     `yaml:"fixtures_path" mapstructure:"fixtures_path"`
	HTTP         []httpapi.Config           `yaml:"http" mapstructure:"http"`
	Employment   []httpapi.EmploymentConfig `yaml:"employment" mapstructure:"employment"`
	CallTimeout  time.Duration              `yaml:"call_timeout" mapstructure:"call_timeout"`
	// Timeouts overrides CallTimeout per provider name.
	Timeouts map[string]time.Duration `yaml:"timeouts" mapstructure:"timeouts"`
}

// ResilienceConfig configures circuit breakers and per-provider limits.
type ResilienceConfig struct {
	FailureThreshold int             `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=0"`
	Cooldown         time.Duration   `yaml:"cooldown" mapstructure:"cooldown"`
	Grace            time.Duration   `yaml:"grace" mapstructure:"grace"`
	Limits           []ProviderLimit `yaml:"limits" mapstructure:"limits" validate:"dive"`
}

// ProviderLimit is one provider's rate and concurrency cap.
type ProviderLimit struct {
	Name        string  `yaml:"name" mapstructure:"name" validate:"required"`
	RPS         float64 `yaml:"rps" mapstructure:"rps" validate:"gte=0"`
	Burst       int     `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
	MaxInFlight int     `yaml:"max_in_flight" mapstructure:"max_in_flight" validate:"gte=0"`
}

// Guards converts the section to a resilience.GuardsConfig.
func (r ResilienceConfig) Guards() resilience.GuardsConfig {
	limits := make([]resilience.ProviderSettings, 0, len(r.Limits))
	for _, l := range r.Limits {
		limits = append(limits, resilience.ProviderSettings{
			Name:        l.Name,
			RPS:         l.RPS,
			Burst:       l.Burst,
			MaxInFlight: l.MaxInFlight,
		})
	}
	return resilience.FromSettings(resilience.BreakerSettings{
		FailureThreshold: r.FailureThreshold,
		Cooldown:         r.Cooldown,
	}, r.Grace, limits)
}

// RolesConfig points at the default seller profile.
type RolesConfig struct {
	ProfilePath string `yaml:"profile_path" mapstructure:"profile_path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "enrichment.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 1)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("redis.lock_prefix", "enrich:lock:")
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.intake_db", "")
	v.SetDefault("notion.rps", 3)
	v.SetDefault("jina.key", "")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.max_attempts", 3)
	v.SetDefault("salesforce.domain", "")
	v.SetDefault("salesforce.access_token", "")
	v.SetDefault("salesforce.rps", 5)
	v.SetDefault("salesforce.confidence", 0.9)
	v.SetDefault("providers.fixtures_path", "")
	v.SetDefault("providers.call_timeout", "10s")
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.cooldown", "30s")
	v.SetDefault("resilience.grace", "2s")
	v.SetDefault("roles.profile_path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.merge_failure_rate", 0.10)
	v.SetDefault("monitoring.provider_failure_rate", 0.50)
	v.SetDefault("monitoring.dlq_threshold", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	// Component sections start from their package defaults; keys present in
	// the file or environment override them.
	cfg := Config{
		Pricing:   cost.DefaultRates(),
		Merge:     merge.DefaultConfig(),
		Resolve:   resolve.DefaultConfig(),
		Freshness: freshness.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks field constraints plus the settings mode needs. Modes:
// "enrich", "intake", "serve", "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string
	switch mode {
	case "enrich", "migrate":
	case "intake":
		if c.Notion.Token == "" {
			problems = append(problems, "notion.token is required")
		}
		if c.Notion.IntakeDB == "" {
			problems = append(problems, "notion.intake_db is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if c.Resolve.Low > c.Resolve.High {
		problems = append(problems, "resolve.low_fuzzy_threshold must not exceed resolve.fuzzy_threshold")
	}

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrap(err, "config: validate")
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// fieldPath turns a validator namespace ("Config.Store.DatabaseURL") into
// the dotted key users write ("store.databaseurl").
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		rest = ns
	}
	return strings.ToLower(rest)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
