package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertConfig holds alert thresholds and delivery settings.
type AlertConfig struct {
	WebhookURL          string        `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	// Workspaces whose merge audits are watched.
	Workspaces          []string      `yaml:"workspaces" mapstructure:"workspaces"`
	CheckInterval       time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackHours       int           `yaml:"lookback_hours" mapstructure:"lookback_hours" validate:"gte=0"`
	MergeFailureRate    float64       `yaml:"merge_failure_rate" mapstructure:"merge_failure_rate" validate:"gte=0,lte=1"`
	ProviderFailureRate float64       `yaml:"provider_failure_rate" mapstructure:"provider_failure_rate" validate:"gte=0,lte=1"`
	CostThresholdUSD    float64       `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd" validate:"gte=0"`
	DLQThreshold        int           `yaml:"dlq_threshold" mapstructure:"dlq_threshold" validate:"gte=0"`
	MinSamples          int           `yaml:"min_samples" mapstructure:"min_samples" validate:"gte=0"`
}

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertMergeFailureRate    AlertType = "merge_failure_rate"
	AlertProviderFailureRate AlertType = "provider_failure_rate"
	AlertBreakerOpen         AlertType = "circuit_breaker_open"
	AlertCostOverrun         AlertType = "cost_overrun"
	AlertDLQBacklog          AlertType = "dlq_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    AlertConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given config.
func NewAlerter(cfg AlertConfig) *Alerter {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if a.cfg.MergeFailureRate > 0 && snap.MergeTotal >= a.cfg.MinSamples && snap.MergeFailRate > a.cfg.MergeFailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertMergeFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Merge rollback rate %.1f%% exceeds threshold %.1f%% (%d rolled back / %d in last %dh)",
				snap.MergeFailRate*100, a.cfg.MergeFailureRate*100,
				snap.MergeRolledBack, snap.MergeTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.MergeFailRate,
				"threshold":    a.cfg.MergeFailureRate,
				"rolled_back":  snap.MergeRolledBack,
				"total":        snap.MergeTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ProviderFailureRate > 0 && snap.ProviderCalls >= a.cfg.MinSamples && snap.ProviderFailRate > a.cfg.ProviderFailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertProviderFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Provider failure rate %.1f%% exceeds threshold %.1f%% (%d of %d calls)",
				snap.ProviderFailRate*100, a.cfg.ProviderFailureRate*100,
				snap.ProviderFailures, snap.ProviderCalls,
			),
			Details: map[string]any{
				"failure_rate": snap.ProviderFailRate,
				"threshold":    a.cfg.ProviderFailureRate,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: "medium",
			Message:  fmt.Sprintf("Circuit open for %s", strings.Join(snap.OpenBreakers, ", ")),
			Details: map[string]any{
				"providers": snap.OpenBreakers,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider spend $%.2f exceeds threshold $%.2f",
				snap.CostUSD, a.cfg.CostThresholdUSD,
			),
			Details: map[string]any{
				"cost_usd":      snap.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth > a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQBacklog,
			Severity: "medium",
			Message:  fmt.Sprintf("%d entities waiting in the dead-letter queue (threshold %d)", snap.DLQDepth, a.cfg.DLQThreshold),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
