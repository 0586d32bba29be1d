// Package cost prices provider calls and accumulates spend per provider.
package cost

import (
	"sort"
	"sync"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	// PerCall overrides an adapter's advertised cost per call, keyed by
	// provider name.
	PerCall map[string]float64 `yaml:"per_call" mapstructure:"per_call"`
	Jina    JinaRate           `yaml:"jina" mapstructure:"jina"`
}

// JinaRate holds Jina search pricing.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// ProviderCall returns the cost of one call to provider. advertised is the
// adapter's own estimate, used when no override is configured.
func (c *Calculator) ProviderCall(provider string, advertised float64) float64 {
	if r, ok := c.rates.PerCall[provider]; ok {
		return r
	}
	return advertised
}

// Jina computes the cost for Jina token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		PerCall: map[string]float64{},
		Jina:    JinaRate{PerMTok: 0.02},
	}
}

// Usage is the accumulated spend for one provider.
type Usage struct {
	Provider string  `json:"provider"`
	Calls    int     `json:"calls"`
	Failures int     `json:"failures"`
	CostUSD  float64 `json:"cost_usd"`
}

// Tracker accumulates per-provider usage. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	usage map[string]*Usage
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{usage: make(map[string]*Usage)}
}

// Record adds one call. Failed calls are counted but not billed.
func (t *Tracker) Record(provider string, costUSD float64, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[provider]
	if !ok {
		u = &Usage{Provider: provider}
		t.usage[provider] = u
	}
	u.Calls++
	if failed {
		u.Failures++
		return
	}
	u.CostUSD += costUSD
}

// Total returns the summed spend across providers.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, u := range t.usage {
		sum += u.CostUSD
	}
	return sum
}

// Snapshot returns a copy of the usage, sorted by provider.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Usage, 0, len(t.usage))
	for _, u := range t.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
