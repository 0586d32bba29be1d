package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	cb.nowFunc = clock.Now
	return cb, clock
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("upstream 500")
		})
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	failN(cb, 2)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.State())
	}
	failN(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open at threshold, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("call should be rejected while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	failN(cb, 2)
	if cb.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", cb.Failures())
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", cb.Failures())
	}
	failN(cb, 2)
	if cb.State() != CircuitClosed {
		t.Errorf("non-consecutive failures should not open, got %s", cb.State())
	}
}

func TestCircuitBreaker_SingleProbeAfterCooldown(t *testing.T) {
	cb, clock := newTestBreaker(1, 30*time.Second)
	failN(cb, 1)

	clock.Advance(29 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection during cooldown, got %v", err)
	}

	clock.Advance(time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second call during probe should be rejected, got %v", err)
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("probe success should close, got %s", cb.State())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, 10*time.Second)
	failN(cb, 2)

	clock.Advance(10 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	cb.RecordFailure(errors.New("still down"))

	if cb.State() != CircuitOpen {
		t.Fatalf("probe failure should reopen, got %s", cb.State())
	}
	clock.Advance(5 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("cooldown should restart after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	clock := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.nowFunc = clock.Now

	failN(cb, 1)
	clock.Advance(time.Second)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_CallerCancellationDoesNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return context.Canceled
	})
	if cb.State() != CircuitClosed {
		t.Errorf("cancellation should not trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_CancelledProbeLeavesStateAlone(t *testing.T) {
	cb, clock := newTestBreaker(1, 10*time.Second)
	failN(cb, 1)
	clock.Advance(10 * time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	cb.RecordFailure(fmt.Errorf("batch stopped: %w", context.Canceled))

	if cb.State() != CircuitHalfOpen {
		t.Fatalf("cancelled probe must not close the circuit, got %s", cb.State())
	}
	if cb.Failures() != 1 {
		t.Errorf("failure count should be untouched, got %d", cb.Failures())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("a new probe should be admitted after cancellation: %v", err)
	}
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("bad request")
	})
	if cb.State() != CircuitClosed {
		t.Errorf("permanent error should not trip, got %s", cb.State())
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return NewTransientError(errors.New("503"), 503)
	})
	if cb.State() != CircuitOpen {
		t.Errorf("transient error should trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	failN(cb, 1)
	cb.Reset()
	if cb.State() != CircuitClosed || cb.Failures() != 0 {
		t.Errorf("expected closed with zero failures, got %s/%d", cb.State(), cb.Failures())
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
