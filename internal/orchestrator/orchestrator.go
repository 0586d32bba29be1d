// Package orchestrator fans one enrichment request out to every capable
// provider in parallel and collects whatever arrives before the deadline.
package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/cost"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// DefaultCallTimeout bounds a single provider call when none is configured.
const DefaultCallTimeout = 10 * time.Second

// Orchestrator runs provider fan-out for one entity at a time. It is safe
// for concurrent use.
type Orchestrator struct {
	registry *provider.Registry
	guard    resilience.Guard
	calc     *cost.Calculator
	tracker  *cost.Tracker
	metrics  *monitoring.Metrics
	timeout  time.Duration
	timeouts map[string]time.Duration
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCallTimeout sets the default per-provider call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithProviderTimeouts overrides the call timeout per provider.
func WithProviderTimeouts(t map[string]time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeouts = t
	}
}

// WithCost enables cost accounting.
func WithCost(calc *cost.Calculator, tracker *cost.Tracker) Option {
	return func(o *Orchestrator) {
		o.calc = calc
		o.tracker = tracker
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator over the registry. Every call passes through
// guard.
func New(registry *provider.Registry, guard resilience.Guard, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		guard:    guard,
		timeout:  DefaultCallTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.calc == nil {
		o.calc = cost.NewCalculator(cost.Rates{})
	}
	return o
}

// Enrich calls every adapter able to serve target's kind and at least one of
// fields (all fields when empty). Each call is bounded by its own timeout and
// by deadline; a provider that has not answered by the deadline is recorded
// as failed. The returned map always holds one result per invoked provider.
// When no provider returns usable data the error is model.ErrNoDataAvailable.
func (o *Orchestrator) Enrich(ctx context.Context, target model.Entity, fields []string, deadline time.Time) (map[string]model.ProviderResult, error) {
	if o.registry == nil || o.registry.Len() == 0 {
		return nil, eris.Wrap(model.ErrNoProviders, "orchestrator: enrich")
	}
	adapters := o.registry.Capable(target.Kind, fields)
	if len(adapters) == 0 {
		return map[string]model.ProviderResult{}, eris.Wrapf(model.ErrNoDataAvailable,
			"orchestrator: no provider can serve %s fields %v", target.Kind, fields)
	}

	log := zap.L().With(
		zap.String("component", "orchestrator"),
		zap.String("workspace_id", target.WorkspaceID),
		zap.String("entity_id", target.ID),
	)

	runCtx := ctx
	cancel := func() {}
	if !deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	lookup := provider.LookupFor(target)
	ch := make(chan model.ProviderResult, len(adapters))
	for _, a := range adapters {
		go func(a provider.Adapter) {
			ch <- o.call(runCtx, a, lookup, fields)
		}(a)
	}

	results := make(map[string]model.ProviderResult, len(adapters))
collect:
	for len(results) < len(adapters) {
		select {
		case r := <-ch:
			results[r.Provider] = r
		case <-runCtx.Done():
			break collect
		}
	}

	if len(results) < len(adapters) {
		// Drain anything already buffered before declaring the rest late.
		for drained := false; !drained; {
			select {
			case r := <-ch:
				results[r.Provider] = r
			default:
				drained = true
			}
		}
		cause := runCtx.Err()
		for _, a := range adapters {
			if _, ok := results[a.Name()]; ok {
				continue
			}
			results[a.Name()] = model.FailedResult(a.Name(), a.Tier(), &provider.Error{
				Provider: a.Name(),
				Category: provider.ErrorTimeout,
				Err:      eris.Wrap(cause, "deadline reached before provider answered"),
			})
			log.Warn("provider missed enrichment deadline", zap.String("provider", a.Name()))
		}
	}

	usable := 0
	for _, r := range results {
		if r.OK() {
			usable++
		}
	}
	log.Debug("provider fan-out complete",
		zap.Int("providers", len(adapters)),
		zap.Int("usable", usable),
	)
	if usable == 0 {
		return results, eris.Wrapf(model.ErrNoDataAvailable, "orchestrator: %d providers returned nothing", len(adapters))
	}
	return results, nil
}

func (o *Orchestrator) call(ctx context.Context, a provider.Adapter, lookup provider.Lookup, fields []string) model.ProviderResult {
	name := a.Name()
	start := o.now()

	if err := o.guard.Acquire(ctx, name); err != nil {
		perr := provider.Classify(name, err)
		o.observe(name, model.StatusFailed, perr.Category, 0, 0)
		return model.FailedResult(name, a.Tier(), perr)
	}
	defer o.guard.Release(name)

	timeout := o.timeout
	if t, ok := o.timeouts[name]; ok && t > 0 {
		timeout = t
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vals, err := a.Fetch(callCtx, lookup, fields)
	latency := o.now().Sub(start)
	price := o.calc.ProviderCall(name, a.CostPerCall())

	if err != nil {
		o.guard.RecordFailure(name, err)
		perr := provider.Classify(name, err)
		o.track(name, price, true)
		o.observe(name, model.StatusFailed, perr.Category, latency, 0)
		zap.L().Warn("provider call failed",
			zap.String("provider", name),
			zap.String("category", string(perr.Category)),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Error(err),
		)
		r := model.FailedResult(name, a.Tier(), perr)
		r.Latency = latency
		return r
	}
	o.guard.RecordSuccess(name)
	o.track(name, price, false)

	status := model.StatusSuccess
	if len(fields) > 0 && !covers(vals, fields) {
		status = model.StatusPartial
	}
	o.observe(name, status, "", latency, price)

	// Stamp provenance so adapters cannot misattribute values.
	for k, fv := range vals {
		fv.Provenance = name
		vals[k] = fv
	}
	return model.ProviderResult{
		Provider:  name,
		Tier:      a.Tier(),
		Status:    status,
		Fields:    vals,
		Latency:   latency,
		CostUSD:   price,
		FetchedAt: o.now().UTC(),
	}
}

func (o *Orchestrator) track(name string, price float64, failed bool) {
	if o.tracker != nil {
		o.tracker.Record(name, price, failed)
	}
}

func (o *Orchestrator) observe(name string, status model.ResultStatus, cat provider.ErrorCategory, latency time.Duration, price float64) {
	o.metrics.ObserveProviderCall(name, string(status), string(cat), latency, price)
}

func covers(vals map[string]model.FieldValue, fields []string) bool {
	for _, f := range fields {
		if _, ok := vals[f]; !ok {
			return false
		}
	}
	return true
}
