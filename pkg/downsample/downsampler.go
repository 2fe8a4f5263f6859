// Package downsample aggregates raw metric points into fixed-window averages
// at 1-minute and 5-minute resolutions.
package downsample

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Downsampler computes windowed averages and upserts them as rollups.
type Downsampler struct {
	store storage.Store
	now   func() time.Time
}

// New creates a downsampler.
func New(store storage.Store) *Downsampler {
	return &Downsampler{store: store, now: time.Now}
}

// DefaultWindow returns the most recently completed window for a resolution:
// it ends at the current minute boundary, and for 5m resolution the start is
// aligned down to a multiple-of-5 minute boundary. Processing only completed
// windows guarantees all contributing raw data has landed.
func (d *Downsampler) DefaultWindow(res model.Resolution) time.Time {
	windowEnd := d.now().Truncate(time.Minute)
	start := windowEnd.Add(-res.Duration())
	if res == model.Resolution5m {
		start = start.Truncate(5 * time.Minute)
	}
	return start
}

// Run aggregates one window of raw data into rollups for the given
// resolution. A zero windowStart selects the default window; an explicit one
// allows deterministic reprocessing. Re-running a window recomputes the
// average from current raw data and overwrites (idempotent, not additive).
func (d *Downsampler) Run(ctx context.Context, res model.Resolution, windowStart time.Time) error {
	if res != model.Resolution1m && res != model.Resolution5m {
		return fmt.Errorf("unsupported downsample resolution %q", res)
	}

	if windowStart.IsZero() {
		windowStart = d.DefaultWindow(res)
	}
	windowEnd := windowStart.Add(res.Duration())

	points, err := d.store.QueryRaw(ctx, storage.RawQuery{
		Start: windowStart,
		End:   windowEnd,
	})
	if err != nil {
		return fmt.Errorf("failed to query raw points: %w", err)
	}
	if len(points) == 0 {
		log.WithFields(log.Fields{
			"resolution":   res,
			"window_start": windowStart,
		}).Info("No data to aggregate for this window")
		return nil
	}

	// Group by (tenant, metric) and compute the arithmetic mean.
	type group struct {
		sum   float64
		count int
	}
	groups := make(map[[2]string]*group)
	for _, p := range points {
		key := [2]string{p.TenantID, p.MetricName}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		g.sum += p.Value
		g.count++
	}

	rollups := make([]model.RollupPoint, 0, len(groups))
	for key, g := range groups {
		rollups = append(rollups, model.RollupPoint{
			TenantID:    key[0],
			MetricName:  key[1],
			WindowStart: windowStart,
			AvgValue:    g.sum / float64(g.count),
		})
	}

	if err := d.store.UpsertRollups(ctx, res, rollups); err != nil {
		return fmt.Errorf("failed to write %s rollups: %w", res, err)
	}

	log.WithFields(log.Fields{
		"resolution":   res,
		"window_start": windowStart,
		"rollups":      len(rollups),
	}).Info("Downsample window aggregated")
	return nil
}
