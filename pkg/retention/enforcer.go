// Package retention deletes data past each resolution's retention horizon.
package retention

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Result reports how many rows each table lost in one enforcement run.
type Result struct {
	RawDeleted int
	OneMinute  int
	FiveMinute int
}

// Total returns the combined deletion count.
func (r Result) Total() int {
	return r.RawDeleted + r.OneMinute + r.FiveMinute
}

// Enforcer applies the retention horizons: raw 24h, 1m rollups 7d, 5m
// rollups 30d. Only rows strictly older than the cutoff are deleted; a row
// exactly at the cutoff is retained.
type Enforcer struct {
	store storage.Store
	now   func() time.Time
}

// New creates a retention enforcer.
func New(store storage.Store) *Enforcer {
	return &Enforcer{store: store, now: time.Now}
}

// Run enforces all horizons across all tenants. Empty tables are a
// successful no-op.
func (e *Enforcer) Run(ctx context.Context) (Result, error) {
	now := e.now()
	var res Result
	var err error

	if res.RawDeleted, err = e.store.DeleteRawBefore(ctx, now.Add(-config.RawRetention)); err != nil {
		return res, fmt.Errorf("failed to delete raw points: %w", err)
	}
	if res.OneMinute, err = e.store.DeleteRollupsBefore(ctx, model.Resolution1m, now.Add(-config.Rollup1mRetention)); err != nil {
		return res, fmt.Errorf("failed to delete 1m rollups: %w", err)
	}
	if res.FiveMinute, err = e.store.DeleteRollupsBefore(ctx, model.Resolution5m, now.Add(-config.Rollup5mRetention)); err != nil {
		return res, fmt.Errorf("failed to delete 5m rollups: %w", err)
	}

	log.WithFields(log.Fields{
		"raw_deleted": res.RawDeleted,
		"1m_deleted":  res.OneMinute,
		"5m_deleted":  res.FiveMinute,
	}).Info("Retention cleanup complete")
	return res, nil
}
