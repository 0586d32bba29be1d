package resilience

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Guard admits outbound provider calls. A successful Acquire must be paired
// with Release and with exactly one of RecordSuccess or RecordFailure.
type Guard interface {
	Acquire(ctx context.Context, provider string) error
	Release(provider string)
	RecordSuccess(provider string)
	RecordFailure(provider string, err error)
}

// Limits configures one provider's guard.
type Limits struct {
	RPS         float64
	Burst       int
	MaxInFlight int
}

// GuardsConfig configures a Guards registry.
type GuardsConfig struct {
	Breaker   CircuitBreakerConfig
	Grace     time.Duration
	Default   Limits
	Providers map[string]Limits

	// OnStateChange is called when any provider's breaker changes state.
	OnStateChange func(provider string, from, to CircuitState)
}

type providerGuard struct {
	limiter *Limiter
	breaker *CircuitBreaker
	slots   chan struct{}
}

// Guards is the process-wide Guard: one limiter, breaker and in-flight cap per
// provider, created lazily and shared by every caller.
type Guards struct {
	mu     sync.RWMutex
	guards map[string]*providerGuard
	cfg    GuardsConfig
}

// NewGuards creates an empty registry.
func NewGuards(cfg GuardsConfig) *Guards {
	if cfg.Grace == 0 {
		cfg.Grace = 250 * time.Millisecond
	}
	return &Guards{
		guards: make(map[string]*providerGuard),
		cfg:    cfg,
	}
}

func (g *Guards) get(provider string) *providerGuard {
	g.mu.RLock()
	pg, ok := g.guards[provider]
	g.mu.RUnlock()
	if ok {
		return pg
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if pg, ok = g.guards[provider]; ok {
		return pg
	}

	limits, ok := g.cfg.Providers[provider]
	if !ok {
		limits = g.cfg.Default
	}
	bcfg := g.cfg.Breaker
	if g.cfg.OnStateChange != nil {
		notify := g.cfg.OnStateChange
		bcfg.OnStateChange = func(from, to CircuitState) { notify(provider, from, to) }
	}
	pg = &providerGuard{
		limiter: NewLimiter(provider, limits.RPS, limits.Burst, g.cfg.Grace),
		breaker: NewCircuitBreaker(bcfg),
	}
	if limits.MaxInFlight > 0 {
		pg.slots = make(chan struct{}, limits.MaxInFlight)
	}
	g.guards[provider] = pg
	return pg
}

// Acquire reserves an in-flight slot, breaker admission and a rate token, in
// that order. Any rejection releases what was already taken, so an open
// circuit costs no tokens.
func (g *Guards) Acquire(ctx context.Context, provider string) error {
	pg := g.get(provider)

	if pg.slots != nil {
		timer := time.NewTimer(g.cfg.Grace)
		select {
		case pg.slots <- struct{}{}:
			timer.Stop()
		case <-timer.C:
			return eris.Wrapf(ErrRateLimited, "%s: max in-flight reached", provider)
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrap(ctx.Err(), "guard: acquire slot")
		}
	}

	if err := pg.breaker.Allow(); err != nil {
		pg.release()
		return eris.Wrapf(err, "%s", provider)
	}
	if err := pg.limiter.Acquire(ctx); err != nil {
		pg.breaker.abandon()
		pg.release()
		return eris.Wrapf(err, "%s", provider)
	}
	return nil
}

// Release frees the in-flight slot taken by Acquire.
func (g *Guards) Release(provider string) {
	g.get(provider).release()
}

func (pg *providerGuard) release() {
	if pg.slots == nil {
		return
	}
	select {
	case <-pg.slots:
	default:
	}
}

// RecordSuccess reports a successful call.
func (g *Guards) RecordSuccess(provider string) {
	pg := g.get(provider)
	pg.breaker.RecordSuccess()
	pg.limiter.OnSuccess()
}

// RecordFailure reports a failed call. Provider-side throttling also slows
// the local limiter.
func (g *Guards) RecordFailure(provider string, err error) {
	pg := g.get(provider)
	var te *TransientError
	if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
		pg.limiter.OnRateLimit()
	}
	pg.breaker.RecordFailure(err)
}

// States returns a snapshot of every provider's breaker state.
func (g *Guards) States() map[string]CircuitState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	states := make(map[string]CircuitState, len(g.guards))
	for name, pg := range g.guards {
		states[name] = pg.breaker.State()
	}
	return states
}

// Providers returns the names of providers that have been guarded so far.
func (g *Guards) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.guards))
	for name := range g.guards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Breaker exposes one provider's breaker.
func (g *Guards) Breaker(provider string) *CircuitBreaker {
	return g.get(provider).breaker
}

// Rejected reports whether err came from the guard itself rather than from
// the provider.
func Rejected(err error) bool {
	return eris.Is(err, ErrRateLimited) || eris.Is(err, ErrCircuitOpen)
}
