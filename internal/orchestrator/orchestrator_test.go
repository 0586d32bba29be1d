package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrichment-engine/internal/cost"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

type fnAdapter struct {
	name   string
	tier   model.Tier
	fields []string
	cost   float64
	calls  atomic.Int32
	fetch  func(ctx context.Context, l provider.Lookup) (map[string]model.FieldValue, error)
}

func (a *fnAdapter) Name() string { return a.name }
func (a *fnAdapter) Tier() model.Tier { return a.tier }
func (a *fnAdapter) Kinds() []model.EntityKind { return []model.EntityKind{model.KindCompany} }
func (a *fnAdapter) SupportedFields() []string { return a.fields }
func (a *fnAdapter) CostPerCall() float64 { return a.cost }
func (a *fnAdapter) Fetch(ctx context.Context, l provider.Lookup, _ []string) (map[string]model.FieldValue, error) {
	a.calls.Add(1)
	return a.fetch(ctx, l)
}

func returning(vals map[string]any) func(context.Context, provider.Lookup) (map[string]model.FieldValue, error) {
	return func(context.Context, provider.Lookup) (map[string]model.FieldValue, error) {
		out := make(map[string]model.FieldValue, len(vals))
		for k, v := range vals {
			out[k] = model.FieldValue{Value: v, Confidence: 80, ObservedAt: time.Now()}
		}
		return out, nil
	}
}

func failing(err error) func(context.Context, provider.Lookup) (map[string]model.FieldValue, error) {
	return func(context.Context, provider.Lookup) (map[string]model.FieldValue, error) {
		return nil, err
	}
}

func hanging(ctx context.Context, _ provider.Lookup) (map[string]model.FieldValue, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func acme() model.Entity {
	e := model.NewEntity("ws1", model.KindCompany)
	e.ID = "c1"
	e.Set(model.FieldDomain, model.FieldValue{Value: "acme.com"})
	return e
}

func newGuards() *resilience.Guards {
	return resilience.NewGuards(resilience.GuardsConfig{})
}

func TestEnrich_ProviderOutage(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fnAdapter{name: "alpha", tier: model.TierPrimary, fields: []string{"name"}, fetch: failing(resilience.StatusError("alpha", 503, nil))})
	reg.Register(&fnAdapter{name: "beta", tier: model.TierGapFilling, fields: []string{"name"}, fetch: failing(errors.New("boom"))})
	reg.Register(&fnAdapter{name: "gamma", tier: model.TierVerification, fields: []string{"name"}, fetch: returning(map[string]any{"name": "Acme"})})

	o := New(reg, newGuards())
	results, err := o.Enrich(context.Background(), acme(), nil, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, results, 3)

	var sources []string
	for name, r := range results {
		if r.OK() {
			sources = append(sources, name)
		}
	}
	assert.Equal(t, []string{"gamma"}, sources)
	assert.Equal(t, model.StatusFailed, results["alpha"].Status)
	assert.Contains(t, results["alpha"].Err, "provider_outage")
	assert.Equal(t, "gamma", results["gamma"].Fields["name"].Provenance)
}

func TestEnrich_AllFail(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fnAdapter{name: "alpha", tier: model.TierPrimary, fetch: failing(errors.New("down"))})
	reg.Register(&fnAdapter{name: "beta", tier: model.TierPrimary, fetch: returning(nil)})

	results, err := New(reg, newGuards()).Enrich(context.Background(), acme(), nil, time.Time{})
	require.ErrorIs(t, err, model.ErrNoDataAvailable)
	assert.Len(t, results, 2)
}

func TestEnrich_NoProviders(t *testing.T) {
	_, err := New(provider.NewRegistry(), newGuards()).Enrich(context.Background(), acme(), nil, time.Time{})
	assert.ErrorIs(t, err, model.ErrNoProviders)
}

func TestEnrich_OnlyCapableProviders(t *testing.T) {
	reg := provider.NewRegistry()
	industry := &fnAdapter{name: "industry", tier: model.TierPrimary, fields: []string{"industry"}, fetch: returning(map[string]any{"industry": "Software"})}
	headcount := &fnAdapter{name: "headcount", tier: model.TierPrimary, fields: []string{"employee_count"}, fetch: returning(map[string]any{"employee_count": 10.0})}
	reg.Register(industry)
	reg.Register(headcount)

	results, err := New(reg, newGuards()).Enrich(context.Background(), acme(), []string{"industry"}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(0), headcount.calls.Load())
}

func TestEnrich_DeadlineDoesNotWaitForSlowProvider(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fnAdapter{name: "fast", tier: model.TierPrimary, fetch: returning(map[string]any{"name": "Acme"})})
	reg.Register(&fnAdapter{name: "slow", tier: model.TierPrimary, fetch: hanging})

	start := time.Now()
	results, err := New(reg, newGuards(), WithCallTimeout(time.Minute)).
		Enrich(context.Background(), acme(), nil, time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.StatusFailed, results["slow"].Status)
	assert.True(t, results["fast"].OK())
}

func TestEnrich_PerCallTimeout(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fnAdapter{name: "slow", tier: model.TierPrimary, fetch: hanging})
	reg.Register(&fnAdapter{name: "fast", tier: model.TierPrimary, fetch: returning(map[string]any{"name": "Acme"})})

	o := New(reg, newGuards(), WithProviderTimeouts(map[string]time.Duration{"slow": 20 * time.Millisecond}))
	results, err := o.Enrich(context.Background(), acme(), nil, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, results["slow"].Status)
	assert.Contains(t, results["slow"].Err, "timeout")
}

func TestEnrich_CircuitOpenSkipsProvider(t *testing.T) {
	reg := provider.NewRegistry()
	flaky := &fnAdapter{name: "flaky", tier: model.TierPrimary, fetch: failing(resilience.StatusError("flaky", 500, nil))}
	reg.Register(flaky)
	reg.Register(&fnAdapter{name: "steady", tier: model.TierGapFilling, fetch: returning(map[string]any{"name": "Acme"})})

	guards := resilience.NewGuards(resilience.GuardsConfig{
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})
	o := New(reg, guards)
	for i := 0; i < 3; i++ {
		_, err := o.Enrich(context.Background(), acme(), nil, time.Time{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), flaky.calls.Load())
	assert.Equal(t, resilience.CircuitOpen, guards.Breaker("flaky").State())
}

func TestEnrich_PartialStatus(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fnAdapter{name: "alpha", tier: model.TierPrimary, fields: []string{"name", "industry"}, fetch: returning(map[string]any{"name": "Acme"})})

	results, err := New(reg, newGuards()).Enrich(context.Background(), acme(), []string{"name", "industry"}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, results["alpha"].Status)
}

func TestEnrich_CostAndMetrics(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fnAdapter{name: "alpha", tier: model.TierPrimary, cost: 0.05, fetch: returning(map[string]any{"name": "Acme"})})
	reg.Register(&fnAdapter{name: "beta", tier: model.TierPrimary, cost: 0.02, fetch: failing(errors.New("x"))})

	tracker := cost.NewTracker()
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	o := New(reg, newGuards(),
		WithCost(cost.NewCalculator(cost.Rates{PerCall: map[string]float64{"alpha": 0.10}}), tracker),
		WithMetrics(m),
	)
	results, err := o.Enrich(context.Background(), acme(), nil, time.Time{})
	require.NoError(t, err)

	assert.InDelta(t, 0.10, results["alpha"].CostUSD, 1e-9)
	assert.InDelta(t, 0.10, tracker.Total(), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("beta", "failed", "internal")), 0)
}
