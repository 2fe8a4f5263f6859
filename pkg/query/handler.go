// Package query serves the read-side HTTP API: metric queries across
// resolutions and alert state history.
package query

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/auth"
	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/httpx"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Handler serves GET /v1/metrics and GET /v1/alerts.
type Handler struct {
	store storage.Store
}

// NewHandler creates a query handler.
func NewHandler(store storage.Store) *Handler {
	return &Handler{store: store}
}

var queryTimeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range queryTimeFormats {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// metricRow is one row of the metric query response.
type metricRow struct {
	MetricName string    `json:"metric_name"`
	AgentID    string    `json:"agent_id,omitempty"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// HandleMetrics returns the tenant's metrics at the requested resolution,
// capped at 1000 rows, most recent first.
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	params := r.URL.Query()
	fieldErrs := make(map[string][]string)

	resolution := model.ResolutionRaw
	if raw := params.Get("resolution"); raw != "" {
		resolution = model.Resolution(raw)
		if !resolution.Valid() {
			fieldErrs["resolution"] = append(fieldErrs["resolution"], "The resolution must be one of: raw, 1m, 5m.")
		}
	}

	var start, end time.Time
	if raw := params.Get("start_time"); raw != "" {
		ts, ok := parseTime(raw)
		if !ok {
			fieldErrs["start_time"] = append(fieldErrs["start_time"], "The start time must be a valid date.")
		}
		start = ts
	}
	if raw := params.Get("end_time"); raw != "" {
		ts, ok := parseTime(raw)
		if !ok {
			fieldErrs["end_time"] = append(fieldErrs["end_time"], "The end time must be a valid date.")
		}
		// The API treats end_time as inclusive; storage ranges are
		// half-open, so bump by one nanosecond.
		end = ts.Add(time.Nanosecond)
	}
	if len(fieldErrs) > 0 {
		httpx.RespondValidationErrors(w, fieldErrs)
		return
	}

	var rows []metricRow
	if resolution == model.ResolutionRaw {
		points, err := h.store.QueryRaw(r.Context(), storage.RawQuery{
			TenantID:   tenant.ID,
			MetricName: params.Get("metric_name"),
			AgentID:    params.Get("agent_id"),
			Start:      start,
			End:        end,
			Limit:      config.MetricQueryLimit,
		})
		if err != nil {
			log.WithError(err).Error("Metric query failed")
			httpx.RespondError(w, http.StatusInternalServerError, "Query failed")
			return
		}
		rows = make([]metricRow, 0, len(points))
		for _, p := range points {
			rows = append(rows, metricRow{
				MetricName: p.MetricName,
				AgentID:    p.AgentID,
				Value:      p.Value,
				Timestamp:  p.Timestamp,
			})
		}
	} else {
		rollups, err := h.store.QueryRollups(r.Context(), resolution, storage.RollupQuery{
			TenantID:   tenant.ID,
			MetricName: params.Get("metric_name"),
			Start:      start,
			End:        end,
			Limit:      config.MetricQueryLimit,
		})
		if err != nil {
			log.WithError(err).Error("Rollup query failed")
			httpx.RespondError(w, http.StatusInternalServerError, "Query failed")
			return
		}
		rows = make([]metricRow, 0, len(rollups))
		for _, ru := range rollups {
			rows = append(rows, metricRow{
				MetricName: ru.MetricName,
				Value:      ru.AvgValue,
				Timestamp:  ru.WindowStart,
			})
		}
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"resolution": resolution,
		"count":      len(rows),
		"data":       rows,
	})
}

// alertRow is one row of the alert query response, joined with its rule.
type alertRow struct {
	ID            string    `json:"id"`
	MetricName    string    `json:"metric_name"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	Threshold     float64   `json:"threshold"`
	Operator      string    `json:"operator"`
}

// HandleAlerts returns the tenant's alert state history, newest started_at
// first. The cap is 100 rows, raised to 1000 when a time range is given so
// historical views are not truncated.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	params := r.URL.Query()
	fieldErrs := make(map[string][]string)

	state := model.AlertState(params.Get("state"))
	if state != "" && !state.Valid() {
		fieldErrs["state"] = append(fieldErrs["state"], "The state must be one of: OK, PENDING, FIRING.")
	}

	var start, end time.Time
	if raw := params.Get("start_time"); raw != "" {
		ts, ok := parseTime(raw)
		if !ok {
			fieldErrs["start_time"] = append(fieldErrs["start_time"], "The start time must be a valid date.")
		}
		start = ts
	}
	if raw := params.Get("end_time"); raw != "" {
		ts, ok := parseTime(raw)
		if !ok {
			fieldErrs["end_time"] = append(fieldErrs["end_time"], "The end time must be a valid date.")
		}
		end = ts
	}
	if len(fieldErrs) > 0 {
		httpx.RespondValidationErrors(w, fieldErrs)
		return
	}

	limit := config.AlertQueryLimit
	if !start.IsZero() || !end.IsZero() {
		limit = config.AlertQueryRangeLimit
	}

	// The metric_name filter goes through the rule: collect the tenant's
	// matching rule IDs first.
	rules, err := h.tenantRules(r, tenant.ID)
	if err != nil {
		log.WithError(err).Error("Rule lookup failed")
		httpx.RespondError(w, http.StatusInternalServerError, "Query failed")
		return
	}

	q := storage.AlertQuery{
		TenantID: tenant.ID,
		State:    state,
		Start:    start,
		End:      end,
		Limit:    limit,
	}
	if name := params.Get("metric_name"); name != "" {
		for id, rule := range rules {
			if rule.MetricName == name {
				q.RuleIDs = append(q.RuleIDs, id)
			}
		}
		if len(q.RuleIDs) == 0 {
			httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
				"count": 0, "data": []alertRow{}, "limit": limit, "has_more": false,
			})
			return
		}
	}

	alerts, err := h.store.QueryAlerts(r.Context(), q)
	if err != nil {
		log.WithError(err).Error("Alert query failed")
		httpx.RespondError(w, http.StatusInternalServerError, "Query failed")
		return
	}

	rows := make([]alertRow, 0, len(alerts))
	for _, a := range alerts {
		rule, ok := rules[a.RuleID]
		if !ok {
			continue
		}
		rows = append(rows, alertRow{
			ID:            a.ID,
			MetricName:    rule.MetricName,
			State:         string(a.State),
			StartedAt:     a.StartedAt,
			LastCheckedAt: a.LastCheckedAt,
			Threshold:     rule.Threshold,
			Operator:      rule.Operator,
		})
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(rows),
		"data":     rows,
		"limit":    limit,
		"has_more": len(rows) == limit,
	})
}

// tenantRules loads all of a tenant's rules keyed by ID.
func (h *Handler) tenantRules(r *http.Request, tenantID string) (map[string]model.AlertRule, error) {
	rules := make(map[string]model.AlertRule)
	afterID := ""
	for {
		page, err := h.store.ListRules(r.Context(), afterID, config.RuleBatchSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return rules, nil
		}
		for _, rule := range page {
			if rule.TenantID == tenantID {
				rules[rule.ID] = rule
			}
		}
		afterID = page[len(page)-1].ID
	}
}
