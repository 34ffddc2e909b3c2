package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// AlertKind identifies the breached threshold.
type AlertKind string

// Alert kinds.
const (
	AlertHitRatio     AlertKind = "hit_ratio"
	AlertResponseTime AlertKind = "response_time"
	AlertErrorRate    AlertKind = "error_rate"
)

// Alert describes a threshold breach.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
	Snapshot  Snapshot  `json:"snapshot"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the log at warn level.
type LogAlerter struct {
	logger observability.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger observability.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert implements Alerter.
func (a *LogAlerter) Alert(_ context.Context, alert Alert) error {
	a.logger.Warn("cache alert",
		observability.String("kind", string(alert.Kind)),
		observability.Float64("value", alert.Value),
		observability.Float64("threshold", alert.Threshold),
		observability.Uint64("hits", alert.Snapshot.Hits),
		observability.Uint64("misses", alert.Snapshot.Misses),
		observability.Uint64("errors", alert.Snapshot.Errors))
	return nil
}

// WebhookAlerter POSTs each alert as JSON.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a WebhookAlerter. A nil client gets a 5s timeout.
func NewWebhookAlerter(url string, client *http.Client) *WebhookAlerter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookAlerter{url: url, client: client}
}

// Alert implements Alerter.
func (a *WebhookAlerter) Alert(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
