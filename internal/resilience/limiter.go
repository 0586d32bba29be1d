package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no token becomes available within the
// limiter's grace period.
var ErrRateLimited = eris.New("rate limited")

// Limiter is a per-provider token bucket that fails fast instead of queueing
// indefinitely. On provider 429s it halves its rate (down to a quarter of the
// configured rate) and recovers by 20% per success.
type Limiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
	grace       time.Duration
	name        string
}

// NewLimiter creates a limiter allowing rps requests per second with the
// given burst. A non-positive rps disables limiting.
func NewLimiter(name string, rps float64, burst int, grace time.Duration) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = max(int(rps), 1)
	}
	if grace < 0 {
		grace = 0
	}
	return &Limiter{
		limiter:     rate.NewLimiter(limit, burst),
		initialRate: limit,
		minRate:     limit / 4,
		currentRate: limit,
		grace:       grace,
		name:        name,
	}
}

// Acquire takes one token, waiting at most the grace period.
func (l *Limiter) Acquire(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > l.grace {
		r.Cancel()
		return ErrRateLimited
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return eris.Wrap(ctx.Err(), "rate limiter wait")
	case <-timer.C:
		return nil
	}
}

// OnSuccess lifts the rate back toward the configured rate.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentRate >= l.initialRate {
		return
	}
	l.currentRate = min(l.currentRate*1.2, l.initialRate)
	l.limiter.SetLimit(l.currentRate)
}

// OnRateLimit halves the rate after the provider itself throttled us.
func (l *Limiter) OnRateLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialRate == rate.Inf {
		return
	}
	l.currentRate = max(l.currentRate*0.5, l.minRate)
	l.limiter.SetLimit(l.currentRate)
	zap.L().Warn("provider throttled, reducing rate",
		zap.String("provider", l.name),
		zap.Float64("new_rate", float64(l.currentRate)),
	)
}

// Limit returns the current rate.
func (l *Limiter) Limit() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}
