package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/model"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient", NewTransientError(errors.New("503"), 503), ErrorTransient},
		{"rate limited", eris.Wrap(ErrRateLimited, "acme"), ErrorTransient},
		{"circuit open", eris.Wrap(ErrCircuitOpen, "acme"), ErrorTransient},
		{"permanent", errors.New("invalid input"), ErrorPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewDLQEntry_PermanentGetsNoRetries(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ref := model.EntityRef{WorkspaceID: "ws", Kind: model.KindCompany, ID: "c1"}

	e := NewDLQEntry(ref, "b1", errors.New("bad data"), 3, now)
	if e.ErrorType != ErrorPermanent || e.CanRetry() {
		t.Errorf("expected permanent without retries, got %+v", e)
	}

	e = NewDLQEntry(ref, "b1", NewTransientError(errors.New("502"), 502), 3, now)
	if e.ErrorType != ErrorTransient || !e.CanRetry() {
		t.Errorf("expected transient with retries, got %+v", e)
	}
	if !e.NextRetryAt.After(now) {
		t.Errorf("next retry should be in the future")
	}
}
