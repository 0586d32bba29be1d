package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_FailsFastBeyondGrace(t *testing.T) {
	l := NewLimiter("acme", 1, 1, 10*time.Millisecond)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first token should be free: %v", err)
	}
	start := time.Now()
	err := l.Acquire(ctx)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("rejection should be immediate, took %v", time.Since(start))
	}
}

func TestLimiter_WaitsWithinGrace(t *testing.T) {
	l := NewLimiter("acme", 100, 1, 200*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter("acme", 0, 0, 0)
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("unlimited limiter rejected: %v", err)
		}
	}
}

func TestLimiter_AdaptsToThrottling(t *testing.T) {
	l := NewLimiter("acme", 8, 8, 0)
	l.OnRateLimit()
	if got := float64(l.Limit()); got != 4 {
		t.Fatalf("expected rate halved to 4, got %v", got)
	}
	l.OnRateLimit()
	l.OnRateLimit()
	if got := float64(l.Limit()); got != 2 {
		t.Errorf("rate should floor at a quarter, got %v", got)
	}
	for i := 0; i < 20; i++ {
		l.OnSuccess()
	}
	if got := float64(l.Limit()); got != 8 {
		t.Errorf("rate should recover to configured, got %v", got)
	}
}

func TestGuards_OpensPerProvider(t *testing.T) {
	g := NewGuards(GuardsConfig{
		Breaker: CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.Acquire(ctx, "down"); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		g.RecordFailure("down", errors.New("500"))
		g.Release("down")
	}

	if err := g.Acquire(ctx, "down"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected open circuit, got %v", err)
	}
	if err := g.Acquire(ctx, "healthy"); err != nil {
		t.Errorf("other providers should be unaffected: %v", err)
	}
	g.Release("healthy")

	states := g.States()
	if states["down"] != CircuitOpen || states["healthy"] != CircuitClosed {
		t.Errorf("unexpected states: %v", states)
	}
}

func TestGuards_MaxInFlight(t *testing.T) {
	g := NewGuards(GuardsConfig{
		Grace:     10 * time.Millisecond,
		Providers: map[string]Limits{"slow": {MaxInFlight: 1}},
	})
	ctx := context.Background()

	if err := g.Acquire(ctx, "slow"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := g.Acquire(ctx, "slow"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}
	g.RecordSuccess("slow")
	g.Release("slow")
	if err := g.Acquire(ctx, "slow"); err != nil {
		t.Errorf("slot should be free after release: %v", err)
	}
}

func TestGuards_OpenCircuitSpendsNoTokens(t *testing.T) {
	g := NewGuards(GuardsConfig{
		Breaker:   CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
		Providers: map[string]Limits{"down": {RPS: 0.001, Burst: 2}},
	})
	ctx := context.Background()

	if err := g.Acquire(ctx, "down"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.RecordFailure("down", errors.New("500"))
	g.Release("down")

	for i := 0; i < 5; i++ {
		if err := g.Acquire(ctx, "down"); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected open circuit, got %v", err)
		}
	}
	g.get("down").breaker.Reset()
	if err := g.Acquire(ctx, "down"); err != nil {
		t.Errorf("rejected calls should not have spent the second token: %v", err)
	}
}

func TestGuards_RateLimitedProbeIsReleased(t *testing.T) {
	g := NewGuards(GuardsConfig{
		Breaker:   CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
		Providers: map[string]Limits{"slow": {RPS: 0.001, Burst: 1}},
	})
	clock := &fakeClock{now: time.Now()}
	pg := g.get("slow")
	pg.breaker.nowFunc = clock.Now
	ctx := context.Background()

	if err := g.Acquire(ctx, "slow"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.RecordFailure("slow", errors.New("500"))
	g.Release("slow")
	clock.Advance(time.Minute)

	if err := g.Acquire(ctx, "slow"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := pg.breaker.Allow(); err != nil {
		t.Errorf("probe slot should be free after a rate-limited acquire: %v", err)
	}
}

func TestGuards_StateChangeCallback(t *testing.T) {
	var got []string
	g := NewGuards(GuardsConfig{
		Breaker: CircuitBreakerConfig{FailureThreshold: 1},
		OnStateChange: func(provider string, _, to CircuitState) {
			got = append(got, provider+":"+to.String())
		},
	})
	_ = g.Acquire(context.Background(), "acme")
	g.RecordFailure("acme", errors.New("boom"))
	g.Release("acme")

	if len(got) != 1 || got[0] != "acme:open" {
		t.Errorf("expected [acme:open], got %v", got)
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(BreakerSettings{FailureThreshold: 7}, 0, []ProviderSettings{{Name: "a", RPS: 3, Burst: 2}})
	if cfg.Breaker.FailureThreshold != 7 || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("unexpected breaker config: %+v", cfg.Breaker)
	}
	if cfg.Providers["a"].RPS != 3 || cfg.Providers["a"].Burst != 2 {
		t.Errorf("unexpected limits: %+v", cfg.Providers["a"])
	}
}
