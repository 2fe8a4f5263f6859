package model

import (
	"time"
)

// Resolution identifies a stored metric resolution.
type Resolution string

const (
	ResolutionRaw Resolution = "raw"
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionRaw || r == Resolution1m || r == Resolution5m
}

// Duration returns the window length of a rollup resolution.
// Raw has no window and returns zero.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution5m:
		return 5 * time.Minute
	}
	return 0
}

// AlertState is the state of an alert in the hysteresis state machine.
type AlertState string

const (
	StateOK      AlertState = "OK"
	StatePending AlertState = "PENDING"
	StateFiring  AlertState = "FIRING"
)

// Valid reports whether s is a known alert state.
func (s AlertState) Valid() bool {
	return s == StateOK || s == StatePending || s == StateFiring
}

// TenantSettings holds the per-tenant notification configuration.
type TenantSettings struct {
	WebhookURL        string `json:"webhook_url,omitempty"`
	NotificationEmail string `json:"notification_email,omitempty"`
}

// Tenant owns all other entities by ID reference. Immutable after creation
// except for Settings.
type Tenant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Settings  TenantSettings `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
}

// TenantToken maps a hashed bearer token to a tenant. Only the SHA-256 hex
// digest of the token is ever stored.
type TenantToken struct {
	TokenHash  string    `json:"token_hash"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// MetricPoint is a raw metric sample submitted by an agent.
// Points with a DedupeID are unique per (tenant, dedupe id): resubmission
// replaces the stored agent/metric/value/timestamp. Points without one always
// insert a new row.
type MetricPoint struct {
	TenantID   string    `json:"tenant_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	DedupeID   string    `json:"dedupe_id,omitempty"`
}

// RollupPoint is a downsampled average over one resolution window,
// unique per (tenant, metric name, window start, resolution).
type RollupPoint struct {
	TenantID    string    `json:"tenant_id"`
	MetricName  string    `json:"metric_name"`
	WindowStart time.Time `json:"window_start"`
	AvgValue    float64   `json:"avg_value"`
}

// Operators accepted by alert rules.
const (
	OpGreater      = ">"
	OpLess         = "<"
	OpEqual        = "="
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
)

// ValidOperator reports whether op is a supported comparison operator.
func ValidOperator(op string) bool {
	switch op {
	case OpGreater, OpLess, OpEqual, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// AlertRule is a threshold rule evaluated against the most recent value of a
// tenant's metric. Duration is the minimum breach time in seconds before a
// PENDING alert escalates to FIRING.
type AlertRule struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	MetricName string    `json:"metric_name"`
	Operator   string    `json:"operator"`
	Threshold  float64   `json:"threshold"`
	Duration   int       `json:"duration"`
	CreatedAt  time.Time `json:"created_at"`
}

// Breached evaluates value against the rule's operator and threshold.
// Unknown operators never breach.
func (r *AlertRule) Breached(value float64) bool {
	switch r.Operator {
	case OpGreater:
		return value > r.Threshold
	case OpLess:
		return value < r.Threshold
	case OpEqual:
		return value == r.Threshold
	case OpGreaterEqual:
		return value >= r.Threshold
	case OpLessEqual:
		return value <= r.Threshold
	}
	return false
}

// Alert is one row of a rule's append-only state history. The most recently
// created row for a rule is its current state. StartedAt is when the current
// state began; LastCheckedAt is the most recent evaluator touch.
type Alert struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	RuleID        string     `json:"rule_id"`
	State         AlertState `json:"state"`
	StartedAt     time.Time  `json:"started_at"`
	LastCheckedAt time.Time  `json:"last_checked_at"`
	CreatedAt     time.Time  `json:"created_at"`
}
