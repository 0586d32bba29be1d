package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/archive"
	"github.com/sells-group/enrichment-engine/internal/cost"
	"github.com/sells-group/enrichment-engine/internal/freshness"
	"github.com/sells-group/enrichment-engine/internal/intake"
	"github.com/sells-group/enrichment-engine/internal/lock"
	"github.com/sells-group/enrichment-engine/internal/merge"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/orchestrator"
	"github.com/sells-group/enrichment-engine/internal/pipeline"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/internal/provider/crm"
	"github.com/sells-group/enrichment-engine/internal/provider/fixture"
	"github.com/sells-group/enrichment-engine/internal/provider/httpapi"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/resolve"
	"github.com/sells-group/enrichment-engine/internal/roles"
	"github.com/sells-group/enrichment-engine/internal/store"
	"github.com/sells-group/enrichment-engine/pkg/jina"
	"github.com/sells-group/enrichment-engine/pkg/notion"
	"github.com/sells-group/enrichment-engine/pkg/salesforce"
)

// engineEnv holds everything the enrich, batch and serve commands need.
type engineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Archive  *archive.Service
	Resolver *resolve.Resolver
	Guards   *resilience.Guards
	Tracker  *cost.Tracker
	Registry *prometheus.Registry
	Profile  *roles.SellerProfile

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens and migrates the store, and
// builds the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st}
	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	locker, rdb, err := initLocker(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.redis = rdb

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(env.Registry)

	guardsCfg := cfg.Resilience.Guards()
	guardsCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		metrics.SetBreakerState(name, int(to))
	}
	env.Guards = resilience.NewGuards(guardsCfg)

	calc := cost.NewCalculator(cfg.Pricing)
	env.Tracker = cost.NewTracker()

	registry, employment, err := buildProviders()
	if err != nil {
		env.Close()
		return nil, err
	}
	zap.L().Info("providers registered", zap.Strings("providers", registry.List()))

	orch := orchestrator.New(registry, env.Guards,
		orchestrator.WithCallTimeout(cfg.Providers.CallTimeout),
		orchestrator.WithProviderTimeouts(cfg.Providers.Timeouts),
		orchestrator.WithCost(calc, env.Tracker),
		orchestrator.WithMetrics(metrics),
	)

	merger := merge.New(cfg.Merge)
	env.Archive = archive.New(st, archive.WithIdentityKeys(resolve.IdentityKeys))
	env.Resolver = resolve.New(st, env.Archive, merger, locker, cfg.Resolve, resolve.WithMetrics(metrics))

	if cfg.Jina.Key != "" {
		jc := jina.NewClient(cfg.Jina.Key,
			jina.WithBaseURL(cfg.Jina.SearchBaseURL),
			jina.WithMaxAttempts(cfg.Jina.MaxAttempts),
		)
		employment = append(employment, freshness.NewWebSearchSource(jc, freshness.WithCost(calc, env.Tracker)))
	}

	opts := []pipeline.Option{
		pipeline.WithLocker(locker),
		pipeline.WithMetrics(metrics),
	}
	if len(employment) > 0 {
		opts = append(opts, pipeline.WithVerifier(freshness.New(cfg.Freshness, employment, freshness.WithMetrics(metrics))))
	}
	if cfg.Roles.ProfilePath != "" {
		profile, err := roles.LoadProfile(cfg.Roles.ProfilePath)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "load seller profile")
		}
		env.Profile = &profile
		opts = append(opts, pipeline.WithSellerProfile(profile))
	}

	env.Pipeline = pipeline.New(cfg.Pipeline, st, orch, merger, env.Resolver, roles.NewClassifier(), opts...)
	return env, nil
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns a Redis-backed lock when redis.addr is set and an
// in-process lock otherwise.
func initLocker(ctx context.Context) (lock.Locker, *redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return lock.NewLocal(), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, eris.Wrapf(err, "ping redis %s", cfg.Redis.Addr)
	}
	return lock.NewRedis(rdb,
		lock.WithTTL(cfg.Redis.LockTTL),
		lock.WithPrefix(cfg.Redis.LockPrefix),
	), rdb, nil
}

// buildProviders registers every configured adapter and collects the
// employment sources among them.
func buildProviders() (*provider.Registry, []provider.EmploymentSource, error) {
	registry := provider.NewRegistry()
	var employment []provider.EmploymentSource

	if cfg.Providers.FixturesPath != "" {
		adapters, err := fixture.Load(cfg.Providers.FixturesPath)
		if err != nil {
			return nil, nil, eris.Wrap(err, "load provider fixtures")
		}
		for _, a := range adapters {
			registry.Register(a)
		}
	}

	for _, c := range cfg.Providers.HTTP {
		a, err := httpapi.New(c)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "provider %s", c.Name)
		}
		registry.Register(a)
	}

	for _, c := range cfg.Providers.Employment {
		src, err := httpapi.NewEmploymentSource(c)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "employment source %s", c.Name)
		}
		employment = append(employment, src)
	}

	if cfg.Salesforce.Domain != "" {
		sf, err := salesforce.Connect(cfg.Salesforce.Domain, cfg.Salesforce.AccessToken,
			salesforce.WithRateLimit(cfg.Salesforce.RPS))
		if err != nil {
			return nil, nil, eris.Wrap(err, "connect salesforce")
		}
		a := crm.New(sf, cfg.Salesforce.Confidence)
		registry.Register(a)
		employment = append(employment, a)
	}

	return registry, employment, nil
}

// newIntake builds the Notion intake source for dbID.
func newIntake(env *engineEnv, dbID string) *intake.Source {
	client := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RPS))
	return intake.New(client, dbID, env.Store, env.Resolver)
}
