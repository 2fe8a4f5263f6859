package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pulseboard/pulseboard/pkg/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// RawQuery selects raw metric points. An empty TenantID scans all tenants
// (used by the batch jobs); the HTTP API always sets it.
type RawQuery struct {
	TenantID   string
	MetricName string
	AgentID    string

	// Time range. Zero values are open-ended. Start is inclusive,
	// End is exclusive.
	Start time.Time
	End   time.Time

	// Limit caps results (0 = no limit). Results are newest first.
	Limit int
}

// RollupQuery selects rollup points for one tenant and resolution.
type RollupQuery struct {
	TenantID   string
	MetricName string
	Start      time.Time
	End        time.Time
	Limit      int
}

// AlertQuery selects alert state rows for one tenant, newest StartedAt first.
type AlertQuery struct {
	TenantID   string
	RuleIDs    []string
	State      model.AlertState
	Start      time.Time
	End        time.Time
	Limit      int
}

// Store is the persistence contract shared by all components.
// Implementations: memory (testing), badger (production).
type Store interface {
	// Tenants and tokens
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	UpdateTenantSettings(ctx context.Context, id string, s model.TenantSettings) error
	CreateToken(ctx context.Context, tok *model.TenantToken) error
	// LookupToken resolves a SHA-256 token hash to its token record.
	LookupToken(ctx context.Context, hash string) (*model.TenantToken, error)
	TouchToken(ctx context.Context, hash string, at time.Time) error

	// Raw metric points. WriteBatch persists the whole batch in one atomic
	// transaction: points with a DedupeID upsert on (tenant, dedupe id),
	// points without always insert.
	WriteBatch(ctx context.Context, tenantID string, points []model.MetricPoint) error
	QueryRaw(ctx context.Context, q RawQuery) ([]model.MetricPoint, error)
	// DeleteRawBefore removes points strictly older than cutoff across all
	// tenants and returns the number deleted.
	DeleteRawBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Rollups, keyed (tenant, metric, window start, resolution).
	// UpsertRollups overwrites on conflict.
	UpsertRollups(ctx context.Context, res model.Resolution, rollups []model.RollupPoint) error
	QueryRollups(ctx context.Context, res model.Resolution, q RollupQuery) ([]model.RollupPoint, error)
	DeleteRollupsBefore(ctx context.Context, res model.Resolution, cutoff time.Time) (int, error)

	// Alert rules
	CreateRule(ctx context.Context, r *model.AlertRule) error
	GetRule(ctx context.Context, id string) (*model.AlertRule, error)
	// ListRules pages through all rules in creation order. Pass the last ID
	// of the previous page as afterID ("" for the first page).
	ListRules(ctx context.Context, afterID string, limit int) ([]model.AlertRule, error)

	// Alert state history. AppendAlert assigns a monotonically increasing ID
	// and inserts a new row; UpdateAlert rewrites an existing row in place
	// (intra-state progress only).
	AppendAlert(ctx context.Context, a *model.Alert) error
	UpdateAlert(ctx context.Context, a *model.Alert) error
	// LatestAlert returns the most recently created row for a rule, or
	// ErrNotFound when the rule has no history.
	LatestAlert(ctx context.Context, tenantID, ruleID string) (*model.Alert, error)
	QueryAlerts(ctx context.Context, q AlertQuery) ([]model.Alert, error)

	Close() error
}
