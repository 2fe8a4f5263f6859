package ingest

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeItems(t *testing.T, body string) ([]map[string]interface{}, bool) {
	t.Helper()
	items, single, err := decodeBody([]byte(body))
	require.NoError(t, err)
	return items, single
}

func TestValidateSingleValid(t *testing.T) {
	items, single := decodeItems(t, `{
		"metric_name": "cpu_usage",
		"value": 85.5,
		"timestamp": "2025-06-01T12:00:00Z",
		"agent_id": "host-1",
		"dedupe_id": "sample-1"
	}`)
	require.True(t, single)

	subs, errs := ValidateBatch(items, single)
	require.Nil(t, errs)
	require.Len(t, subs, 1)
	assert.Equal(t, "cpu_usage", subs[0].MetricName)
	assert.Equal(t, 85.5, subs[0].Value)
	assert.Equal(t, "host-1", subs[0].AgentID)
	assert.Equal(t, "sample-1", subs[0].DedupeID)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), subs[0].Timestamp)
}

func TestValidateMissingFields(t *testing.T) {
	items, single := decodeItems(t, `{}`)

	subs, errs := ValidateBatch(items, single)
	assert.Nil(t, subs)
	require.NotNil(t, errs)
	assert.Contains(t, errs["metric_name"], "The metric name is required.")
	assert.Contains(t, errs["value"], "The metric value is required.")
	assert.Contains(t, errs["timestamp"], "The timestamp is required.")
}

func TestValidateFieldTypes(t *testing.T) {
	items, single := decodeItems(t, `{
		"metric_name": 42,
		"value": "not-a-number",
		"timestamp": "not-a-date",
		"agent_id": 1,
		"dedupe_id": 2
	}`)

	_, errs := ValidateBatch(items, single)
	require.NotNil(t, errs)
	assert.Contains(t, errs["metric_name"], "The metric name must be a string.")
	assert.Contains(t, errs["value"], "The metric value must be a number.")
	assert.Contains(t, errs["timestamp"], "The timestamp must be a valid date.")
	assert.Contains(t, errs["agent_id"], "The agent id must be a string.")
	assert.Contains(t, errs["dedupe_id"], "The dedupe id must be a string.")
}

func TestValidateNumericString(t *testing.T) {
	items, single := decodeItems(t, `{"metric_name": "cpu", "value": "12.5", "timestamp": "2025-06-01 12:00:00"}`)

	subs, errs := ValidateBatch(items, single)
	require.Nil(t, errs)
	assert.Equal(t, 12.5, subs[0].Value, "numeric strings are accepted")
}

func TestValidateMetricNameTooLong(t *testing.T) {
	long := strings.Repeat("x", 65)
	items, single := decodeItems(t, `{"metric_name": "`+long+`", "value": 1, "timestamp": "2025-06-01T12:00:00Z"}`)

	_, errs := ValidateBatch(items, single)
	require.NotNil(t, errs)
	assert.Contains(t, errs["metric_name"], "The metric name may not be greater than 64 characters.")
}

func TestValidateTimestampFormats(t *testing.T) {
	for _, ts := range []string{
		"2025-06-01T12:00:00Z",
		"2025-06-01T12:00:00.123456789Z",
		"2025-06-01T12:00:00",
		"2025-06-01 12:00:00.123456",
		"2025-06-01 12:00:00",
	} {
		items, single := decodeItems(t, `{"metric_name": "cpu", "value": 1, "timestamp": "`+ts+`"}`)
		_, errs := ValidateBatch(items, single)
		assert.Nil(t, errs, "timestamp %q should be accepted", ts)
	}
}

func TestValidateArrayKeysCarryIndex(t *testing.T) {
	items, single := decodeItems(t, `[
		{"metric_name": "cpu", "value": 1, "timestamp": "2025-06-01T12:00:00Z"},
		{"value": "bad"}
	]`)
	require.False(t, single)

	subs, errs := ValidateBatch(items, single)
	assert.Nil(t, subs, "one invalid item rejects the whole batch")
	require.NotNil(t, errs)
	assert.Contains(t, errs["1.metric_name"], "The metric name is required.")
	assert.Contains(t, errs["1.value"], "The metric value must be a number.")
	assert.Contains(t, errs["1.timestamp"], "The timestamp is required.")
	assert.NotContains(t, errs, "0.metric_name")
}

func TestDecodeBodyShapes(t *testing.T) {
	items, single, err := decodeBody([]byte(`  {"metric_name": "cpu"}`))
	require.NoError(t, err)
	assert.True(t, single)
	assert.Len(t, items, 1)

	items, single, err = decodeBody([]byte("\n[{}, {}]"))
	require.NoError(t, err)
	assert.False(t, single)
	assert.Len(t, items, 2)

	_, _, err = decodeBody([]byte(""))
	assert.Error(t, err)

	_, _, err = decodeBody([]byte(`{"metric_name":`))
	assert.Error(t, err)

	_, _, err = decodeBody([]byte(`"just a string"`))
	assert.Error(t, err)
}

func TestDecodeBodyPreservesNumberPrecision(t *testing.T) {
	items, single, err := decodeBody([]byte(`{"metric_name": "n", "value": 0.1, "timestamp": "2025-06-01T12:00:00Z"}`))
	require.NoError(t, err)

	_, ok := items[0]["value"].(json.Number)
	assert.True(t, ok, "values decode as json.Number, not float64")

	subs, errs := ValidateBatch(items, single)
	require.Nil(t, errs)
	assert.Equal(t, 0.1, subs[0].Value)
}
