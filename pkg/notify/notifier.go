// Package notify fans alert transitions out to a tenant's configured
// notification channels. The channel set is closed: webhook and email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/model"
)

// ChannelKind identifies a delivery channel.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
	ChannelEmail   ChannelKind = "email"
)

// Event carries the facts delivered on a FIRING transition.
type Event struct {
	TenantName string    `json:"tenant_name"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Operator   string    `json:"operator"`
	Timestamp  time.Time `json:"timestamp"`
	AlertID    string    `json:"alert_id"`
}

// Mailer sends a rendered notification email. Implemented by SMTPMailer;
// tests substitute a fake.
type Mailer interface {
	Send(to, subject, body string) error
}

// Dispatcher delivers events to every channel a tenant has configured.
// Channels are attempted independently: a failure on one is logged and never
// blocks the other, and no failure escalates to the caller.
type Dispatcher struct {
	client *http.Client
	mailer Mailer
}

// NewDispatcher creates a dispatcher. mailer may be nil when email delivery
// is not configured; email channels are then skipped with a warning.
func NewDispatcher(mailer Mailer) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: config.WebhookTimeout},
		mailer: mailer,
	}
}

// channelsFor derives the closed channel set from tenant settings.
func channelsFor(s model.TenantSettings) []ChannelKind {
	var channels []ChannelKind
	if s.WebhookURL != "" {
		channels = append(channels, ChannelWebhook)
	}
	if s.NotificationEmail != "" {
		channels = append(channels, ChannelEmail)
	}
	return channels
}

// Dispatch sends ev to each of the tenant's channels. A tenant with no
// channels configured is a silent no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant *model.Tenant, ev Event) {
	for _, ch := range channelsFor(tenant.Settings) {
		var err error
		switch ch {
		case ChannelWebhook:
			err = d.sendWebhook(ctx, tenant.Settings.WebhookURL, ev)
		case ChannelEmail:
			err = d.sendEmail(tenant.Settings.NotificationEmail, tenant.Name, ev)
		}
		if err != nil {
			log.WithFields(log.Fields{
				"tenant_id": tenant.ID,
				"channel":   ch,
				"alert_id":  ev.AlertID,
			}).WithError(err).Error("Notification delivery failed")
			continue
		}
		log.WithFields(log.Fields{
			"tenant_id": tenant.ID,
			"channel":   ch,
			"alert_id":  ev.AlertID,
		}).Info("Alert notification delivered")
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, url string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendEmail(to, tenantName string, ev Event) error {
	if d.mailer == nil {
		return fmt.Errorf("no mailer configured")
	}

	subject := fmt.Sprintf("[ALERT] %s is FIRING for %s", ev.MetricName, tenantName)
	var body bytes.Buffer
	fmt.Fprintf(&body, "Alert is FIRING\n\n")
	fmt.Fprintf(&body, "Tenant:        %s\n", tenantName)
	fmt.Fprintf(&body, "Metric:        %s\n", ev.MetricName)
	fmt.Fprintf(&body, "Current Value: %g\n", ev.Value)
	fmt.Fprintf(&body, "Threshold:     %s %g\n", ev.Operator, ev.Threshold)
	fmt.Fprintf(&body, "Started At:    %s\n", ev.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&body, "Alert ID:      %s\n\n", ev.AlertID)
	fmt.Fprintf(&body, "The metric %s has exceeded its configured threshold.\n", ev.MetricName)

	return d.mailer.Send(to, subject, body.String())
}
