package server

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	badgerstore "github.com/pulseboard/pulseboard/pkg/storage/badger"
)

const (
	taskMaxRetries = 3
	taskBaseDelay  = 30 * time.Second
)

// RunPeriodic invokes fn on a fixed cadence until ctx is cancelled. Failed
// runs retry with exponential backoff (30s, 60s, 120s) before giving up until
// the next tick; persistence hiccups are usually transient.
func RunPeriodic(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runWithRetry := func() {
		for attempt := 0; attempt <= taskMaxRetries; attempt++ {
			if attempt > 0 {
				delay := taskBaseDelay * time.Duration(1<<(attempt-1))
				log.WithFields(log.Fields{"task": name, "attempt": attempt + 1, "delay": delay}).Info("Retrying task")
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			start := time.Now()
			err := fn(ctx)
			if err == nil {
				log.WithFields(log.Fields{
					"task":    name,
					"elapsed": time.Since(start).Round(time.Millisecond),
				}).Debug("Task completed")
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.WithFields(log.Fields{"task": name, "attempt": attempt + 1}).WithError(err).Error("Task failed")
		}
		log.WithFields(log.Fields{"task": name}).Error("Task failed after all retries, waiting for next schedule")
	}

	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-ctx.Done():
			log.WithFields(log.Fields{"task": name}).Info("Stopping task scheduler")
			return
		}
	}
}

// RunBadgerGC runs value log garbage collection periodically to reclaim disk
// space from deleted raw points and overwritten rollups.
func RunBadgerGC(ctx context.Context, store *badgerstore.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"interval": interval}).Info("BadgerDB GC scheduler started")
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := store.RunGC(0.5); err != nil {
				// badger returns an error when no GC was needed.
				log.WithFields(log.Fields{"elapsed": time.Since(start).Round(time.Millisecond)}).Debug("GC completed (no rewrite needed)")
			} else {
				log.WithFields(log.Fields{"elapsed": time.Since(start).Round(time.Millisecond)}).Info("GC completed (disk space reclaimed)")
			}
		case <-ctx.Done():
			log.Info("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
