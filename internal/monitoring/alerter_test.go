package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func thresholds() AlertConfig {
	return AlertConfig{
		MergeFailureRate:    0.10,
		ProviderFailureRate: 0.50,
		CostThresholdUSD:    500.0,
		DLQThreshold:        100,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		MergeTotal:       100,
		MergeCommitted:   95,
		MergeRolledBack:  5,
		MergeFailRate:    0.05,
		ProviderCalls:    40,
		ProviderFailures: 4,
		ProviderFailRate: 0.1,
		CostUSD:          100.0,
		DLQDepth:         3,
		LookbackHours:    24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_MergeFailureRate(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		MergeTotal:      20,
		MergeCommitted:  12,
		MergeRolledBack: 8,
		MergeFailRate:   0.4, // 8/20 = 40%
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertMergeFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_BreakersAndBacklog(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		OpenBreakers:  []string{"alpha", "beta"},
		DLQDepth:      250,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertBreakerOpen, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "alpha, beta")
	assert.Equal(t, AlertDLQBacklog, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "250")
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	cfg := thresholds()
	cfg.CostThresholdUSD = 100.0
	a := NewAlerter(cfg)

	snap := &MetricsSnapshot{
		ProviderCalls:    50,
		ProviderFailures: 2,
		ProviderFailRate: 0.04,
		CostUSD:          250.0,
		LookbackHours:    24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	cfg := thresholds()
	cfg.CostThresholdUSD = 100.0
	a := NewAlerter(cfg)

	snap := &MetricsSnapshot{
		MergeTotal:       20,
		MergeRolledBack:  10,
		MergeFailRate:    0.5,
		ProviderCalls:    10,
		ProviderFailures: 8,
		ProviderFailRate: 0.8,
		CostUSD:          300.0,
		LookbackHours:    24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertMergeFailureRate])
	assert.True(t, types[AlertProviderFailureRate])
	assert.True(t, types[AlertCostOverrun])
}

func TestAlerter_Evaluate_MinimumSamplesRequired(t *testing.T) {
	a := NewAlerter(thresholds())

	// Only 3 merges, below the default minimum of 5.
	snap := &MetricsSnapshot{
		MergeTotal:      3,
		MergeCommitted:  1,
		MergeRolledBack: 2,
		MergeFailRate:   0.666,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(AlertConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertMergeFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertBreakerOpen, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(AlertConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertMergeFailureRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(AlertConfig{WebhookURL: "http://example.com"})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(AlertConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQBacklog, Message: "test"}})
	assert.Equal(t, 0, sent)
}
