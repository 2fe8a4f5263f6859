package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/pkg/ingest"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
	"github.com/pulseboard/pulseboard/pkg/storage/memory"
	"github.com/pulseboard/pulseboard/pkg/stream"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *memory.Store
	pipeline *ingest.Pipeline
	bridge   *Bridge
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.CreateTenant(context.Background(), &model.Tenant{ID: "t1", Name: "acme"}))

	pipeline := ingest.NewPipeline(store, stream.NewBus(1))
	pipeline.Start(context.Background(), 1)

	b := New(Config{BrokerURL: "tcp://localhost:1883"}, store, pipeline)
	b.now = func() time.Time { return base }
	return &harness{store: store, pipeline: pipeline, bridge: b}
}

func (h *harness) points(t *testing.T) []model.MetricPoint {
	t.Helper()
	h.pipeline.Stop()
	points, err := h.store.QueryRaw(context.Background(), storage.RawQuery{TenantID: "t1"})
	require.NoError(t, err)
	return points
}

func TestHandleMessageForwardsMetric(t *testing.T) {
	h := newHarness(t)
	h.bridge.handleMessage(context.Background(), "metrics/t1/sensor-3/temperature",
		[]byte(`{"value": 21.5, "timestamp": "2025-06-01T11:59:00Z", "dedupe_id": "reading-9"}`))

	points := h.points(t)
	require.Len(t, points, 1)
	assert.Equal(t, "temperature", points[0].MetricName)
	assert.Equal(t, "sensor-3", points[0].AgentID)
	assert.Equal(t, 21.5, points[0].Value)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC), points[0].Timestamp)
	assert.Equal(t, "reading-9", points[0].DedupeID)
}

func TestHandleMessageDefaultsTimestamp(t *testing.T) {
	h := newHarness(t)
	h.bridge.handleMessage(context.Background(), "metrics/t1/sensor-3/temperature", []byte(`{"value": 3}`))

	points := h.points(t)
	require.Len(t, points, 1)
	assert.Equal(t, base, points[0].Timestamp, "missing timestamps default to receive time")
}

func TestHandleMessageDropsInvalidTopics(t *testing.T) {
	h := newHarness(t)
	for _, topic := range []string{
		"metrics/t1/sensor-3",                 // too short
		"metrics/t1/sensor-3/temp/extra",      // too long
		"telemetry/t1/sensor-3/temperature",   // wrong prefix
		"metrics/t1/sensor-3/",                // empty metric
	} {
		h.bridge.handleMessage(context.Background(), topic, []byte(`{"value": 1}`))
	}
	assert.Empty(t, h.points(t))
}

func TestHandleMessageDropsUnknownTenant(t *testing.T) {
	h := newHarness(t)
	h.bridge.handleMessage(context.Background(), "metrics/nope/sensor-3/temperature", []byte(`{"value": 1}`))
	assert.Empty(t, h.points(t))
}

func TestHandleMessageDropsMalformedPayloads(t *testing.T) {
	h := newHarness(t)
	for _, payload := range []string{
		`{`,                       // broken JSON
		`{}`,                      // missing value
		`{"value": "NaN-ish"}`,    // non-numeric value
		`{"value": 1, "timestamp": "last tuesday"}`, // bad timestamp
	} {
		h.bridge.handleMessage(context.Background(), "metrics/t1/sensor-3/temperature", []byte(payload))
	}
	assert.Empty(t, h.points(t))
}
