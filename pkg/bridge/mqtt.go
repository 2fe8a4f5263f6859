// Package bridge subscribes to an MQTT broker and forwards device metrics
// onto the ingestion pipeline. Topics follow
// metrics/{tenant}/{agent}/{metric} with a JSON payload
// {value, timestamp?, dedupe_id?}. Malformed topics, unknown tenants, and
// malformed payloads are dropped with a logged warning, never forwarded.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/ingest"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Config holds broker connection settings.
type Config struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
}

// Bridge is the MQTT listener.
type Bridge struct {
	cfg      Config
	store    storage.Store
	pipeline *ingest.Pipeline
	now      func() time.Time
}

// New creates a bridge feeding the given pipeline.
func New(cfg Config, store storage.Store, pipeline *ingest.Pipeline) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("pulseboard-bridge-%d", time.Now().UnixNano())
	}
	return &Bridge{cfg: cfg, store: store, pipeline: pipeline, now: time.Now}
}

// Run connects, subscribes to metrics/#, and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetWill("bridge/status", "offline", 1, false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.WithFields(log.Fields{"broker": b.cfg.BrokerURL}).Info("Connected to MQTT broker")

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		b.handleMessage(ctx, msg.Topic(), msg.Payload())
	}
	if token := client.Subscribe("metrics/#", 1, handler); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("failed to subscribe: %w", token.Error())
	}
	log.Info("Subscribed to metrics/# - listening for messages")

	<-ctx.Done()
	client.Disconnect(250)
	log.Info("Disconnected from MQTT broker")
	return nil
}

// bridgePayload is the device-side message body.
type bridgePayload struct {
	Value     *json.Number `json:"value"`
	Timestamp string       `json:"timestamp"`
	DedupeID  string       `json:"dedupe_id"`
}

// handleMessage maps one broker message onto the ingestion contract.
func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "metrics" {
		log.WithFields(log.Fields{"topic": topic}).Warn("Invalid MQTT topic format")
		return
	}
	tenantID, agentID, metricName := parts[1], parts[2], parts[3]

	if metricName == "" || len(metricName) > config.MetricNameMaxLen {
		log.WithFields(log.Fields{"topic": topic}).Warn("Invalid metric name in MQTT topic")
		return
	}

	tenant, err := b.store.GetTenant(ctx, tenantID)
	if err != nil {
		log.WithFields(log.Fields{"tenant_id": tenantID, "topic": topic}).Warn("MQTT message for unknown tenant")
		return
	}

	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	var body bridgePayload
	if err := dec.Decode(&body); err != nil || body.Value == nil {
		log.WithFields(log.Fields{"topic": topic}).Warn("Malformed MQTT payload")
		return
	}
	value, err := body.Value.Float64()
	if err != nil {
		log.WithFields(log.Fields{"topic": topic}).Warn("Non-numeric value in MQTT payload")
		return
	}

	ts := b.now().UTC()
	if body.Timestamp != "" {
		parsed, perr := time.Parse(time.RFC3339Nano, body.Timestamp)
		if perr != nil {
			log.WithFields(log.Fields{"topic": topic}).Warn("Malformed timestamp in MQTT payload")
			return
		}
		ts = parsed
	}

	sub := ingest.Submission{
		MetricName: metricName,
		Value:      value,
		Timestamp:  ts,
		AgentID:    agentID,
		DedupeID:   body.DedupeID,
	}
	if err := b.pipeline.Enqueue(ctx, tenant, []ingest.Submission{sub}); err != nil {
		log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(err).Warn("Failed to enqueue MQTT metric")
	}
}
