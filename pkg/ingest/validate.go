package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pulseboard/pulseboard/pkg/config"
)

// Submission is one validated metric submission in wire shape. The same
// shape is published verbatim to the fan-out channel.
type Submission struct {
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	AgentID    string    `json:"agent_id,omitempty"`
	DedupeID   string    `json:"dedupe_id,omitempty"`
}

// Timestamp formats accepted on ingestion.
var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseNumeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// validateItem checks one decoded submission object and returns the parsed
// submission plus per-field error messages (empty when valid).
func validateItem(item map[string]interface{}) (Submission, map[string][]string) {
	var sub Submission
	errs := make(map[string][]string)

	if raw, ok := item["metric_name"]; !ok || raw == nil {
		errs["metric_name"] = append(errs["metric_name"], "The metric name is required.")
	} else if name, ok := raw.(string); !ok {
		errs["metric_name"] = append(errs["metric_name"], "The metric name must be a string.")
	} else if name == "" {
		errs["metric_name"] = append(errs["metric_name"], "The metric name is required.")
	} else if len(name) > config.MetricNameMaxLen {
		errs["metric_name"] = append(errs["metric_name"],
			fmt.Sprintf("The metric name may not be greater than %d characters.", config.MetricNameMaxLen))
	} else {
		sub.MetricName = name
	}

	if raw, ok := item["value"]; !ok || raw == nil {
		errs["value"] = append(errs["value"], "The metric value is required.")
	} else if value, ok := parseNumeric(raw); !ok {
		errs["value"] = append(errs["value"], "The metric value must be a number.")
	} else {
		sub.Value = value
	}

	if raw, ok := item["timestamp"]; !ok || raw == nil {
		errs["timestamp"] = append(errs["timestamp"], "The timestamp is required.")
	} else if str, ok := raw.(string); !ok {
		errs["timestamp"] = append(errs["timestamp"], "The timestamp must be a valid date.")
	} else if ts, ok := parseTimestamp(str); !ok {
		errs["timestamp"] = append(errs["timestamp"], "The timestamp must be a valid date.")
	} else {
		sub.Timestamp = ts
	}

	if raw, ok := item["agent_id"]; ok && raw != nil {
		if agent, ok := raw.(string); ok {
			sub.AgentID = agent
		} else {
			errs["agent_id"] = append(errs["agent_id"], "The agent id must be a string.")
		}
	}

	if raw, ok := item["dedupe_id"]; ok && raw != nil {
		if dedupe, ok := raw.(string); ok {
			sub.DedupeID = dedupe
		} else {
			errs["dedupe_id"] = append(errs["dedupe_id"], "The dedupe id must be a string.")
		}
	}

	return sub, errs
}

// ValidateBatch validates every item of a batch. A single-object body uses
// bare field names in the error map; array bodies prefix them with the item
// index ("0.metric_name"). Any error rejects the whole batch.
func ValidateBatch(items []map[string]interface{}, single bool) ([]Submission, map[string][]string) {
	subs := make([]Submission, 0, len(items))
	allErrs := make(map[string][]string)

	for i, item := range items {
		sub, errs := validateItem(item)
		for field, messages := range errs {
			key := field
			if !single {
				key = fmt.Sprintf("%d.%s", i, field)
			}
			allErrs[key] = append(allErrs[key], messages...)
		}
		subs = append(subs, sub)
	}

	if len(allErrs) > 0 {
		return nil, allErrs
	}
	return subs, nil
}
