package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/config"
	"github.com/sells-group/ledger-sync/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAccessFailureRate AlertType = "access_failure_rate"
	AlertStaleRuns         AlertType = "stale_runs"
	AlertBalanceSurplus    AlertType = "balance_surplus"
	AlertAdditionalAuth    AlertType = "additional_auth_required"
	AlertBlockedAccesses   AlertType = "blocked_accesses"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SurplusAlert reports an account whose ledger exceeds the scraped balance.
func SurplusAlert(accessID, accountID int64, externalID string, delta decimal.Decimal) Alert {
	return Alert{
		Type:     AlertBalanceSurplus,
		Severity: "high",
		Message: fmt.Sprintf(
			"Account %d (%s) ledger exceeds scraped balance by %s; automatic commits suspended",
			accountID, externalID, delta.Neg().String(),
		),
		Details: map[string]any{
			"access_id":   accessID,
			"account_id":  accountID,
			"external_id": externalID,
			"delta":       delta.String(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// AccessAlert reports an access run that needs an operator.
func AccessAlert(item model.AccessWorkItem, code model.ResultCode, cause error) Alert {
	details := map[string]any{
		"access_id":           item.AccessID,
		"customer_id":         item.CustomerID,
		"financial_entity_id": item.FinancialEntityID,
		"code":                string(code),
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	return Alert{
		Type:      AlertAdditionalAuth,
		Severity:  "medium",
		Message:   fmt.Sprintf("Access %d at %s requires additional authentication", item.AccessID, item.FinancialEntityID),
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Failure rate over runs that reached the adapter.
	finished := snap.Succeeded + snap.Failed
	if finished >= 5 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertAccessFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Access failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
				"collisions":   snap.Collisions,
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleAccessIDs) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleRuns,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d access(es) marked in progress past the maximum run duration",
				len(snap.StaleAccessIDs),
			),
			Details:   map[string]any{"access_ids": snap.StaleAccessIDs},
			Timestamp: now,
		})
	}

	if len(snap.FlaggedAccountIDs) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBalanceSurplus,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d account(s) flagged with a balance surplus awaiting review",
				len(snap.FlaggedAccountIDs),
			),
			Details:   map[string]any{"account_ids": snap.FlaggedAccountIDs},
			Timestamp: now,
		})
	}

	if len(snap.BlockedAccessIDs) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBlockedAccesses,
			Severity: "low",
			Message: fmt.Sprintf(
				"%d access(es) excluded from scheduling until credentials are fixed",
				len(snap.BlockedAccessIDs),
			),
			Details:   map[string]any{"access_ids": snap.BlockedAccessIDs},
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
