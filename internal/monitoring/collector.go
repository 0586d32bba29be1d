package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/cost"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Identity merges within the lookback window.
	MergeTotal      int     `json:"merge_total"`
	MergeCommitted  int     `json:"merge_committed"`
	MergeRolledBack int     `json:"merge_rolled_back"`
	MergeFailRate   float64 `json:"merge_fail_rate"`

	// Provider usage since the process started.
	ProviderCalls    int      `json:"provider_calls"`
	ProviderFailures int      `json:"provider_failures"`
	ProviderFailRate float64  `json:"provider_fail_rate"`
	CostUSD          float64  `json:"cost_usd"`
	OpenBreakers     []string `json:"open_breakers,omitempty"`

	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BreakerSource reports circuit breaker states per provider.
type BreakerSource interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers a snapshot from the store, the cost tracker and the
// provider guards.
type Collector struct {
	store      store.Store
	workspaces []string
	tracker    *cost.Tracker
	breakers   BreakerSource
	now        func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithTracker includes provider spend and failure counts.
func WithTracker(t *cost.Tracker) CollectorOption {
	return func(c *Collector) {
		c.tracker = t
	}
}

// WithBreakers includes open circuit breakers.
func WithBreakers(b BreakerSource) CollectorOption {
	return func(c *Collector) {
		c.breakers = b
	}
}

// WithCollectorClock overrides the clock.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		c.now = now
	}
}

// NewCollector creates a collector. Merge audits are read for each of
// workspaces.
func NewCollector(st store.Store, workspaces []string, opts ...CollectorOption) *Collector {
	c := &Collector{
		store:      st,
		workspaces: workspaces,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// auditScan bounds how many recent audits are read per workspace.
const auditScan = 10000

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	for _, ws := range c.workspaces {
		audits, err := c.store.ListMergeAudits(ctx, ws, auditScan)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list merge audits for %s", ws)
		}
		for _, a := range audits {
			if a.CommittedAt.Before(cutoff) {
				continue
			}
			snap.MergeTotal++
			switch a.Status {
			case model.MergeCommitted:
				snap.MergeCommitted++
			case model.MergeRolledBack:
				snap.MergeRolledBack++
			}
		}
	}
	if snap.MergeTotal > 0 {
		snap.MergeFailRate = float64(snap.MergeRolledBack) / float64(snap.MergeTotal)
	}

	if c.tracker != nil {
		for _, u := range c.tracker.Snapshot() {
			snap.ProviderCalls += u.Calls
			snap.ProviderFailures += u.Failures
			snap.CostUSD += u.CostUSD
		}
		if snap.ProviderCalls > 0 {
			snap.ProviderFailRate = float64(snap.ProviderFailures) / float64(snap.ProviderCalls)
		}
	}

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			if state == resilience.CircuitOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	depth, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = depth

	return snap, nil
}
