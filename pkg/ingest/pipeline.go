package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
	"github.com/pulseboard/pulseboard/pkg/stream"
)

// Retry delays between persistence attempts. The last delay repeats when
// there are more attempts than delays.
var retryBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

type job struct {
	tenantID string
	points   []model.MetricPoint
	payload  []byte
}

// Pipeline persists accepted batches asynchronously and publishes them to the
// fan-out bus after commit. The HTTP handler only enqueues; workers own
// persistence, retries, and publishing.
type Pipeline struct {
	store storage.Store
	bus   *stream.Bus

	jobs        chan job
	wg          sync.WaitGroup
	maxAttempts int
	sleep       func(context.Context, time.Duration) bool
}

// NewPipeline creates a pipeline writing to store and publishing to bus.
func NewPipeline(store storage.Store, bus *stream.Bus) *Pipeline {
	return &Pipeline{
		store:       store,
		bus:         bus,
		jobs:        make(chan job, config.IngestQueueSize),
		maxAttempts: config.IngestMaxAttempts,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Start launches the worker pool. Workers drain the queue until Stop.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				p.process(ctx, j)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight batches to finish.
func (p *Pipeline) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

// Enqueue accepts a validated batch for a tenant. It blocks until the batch
// is queued or ctx is cancelled; once queued, the batch will be persisted or
// dropped only after exhausting retries.
func (p *Pipeline) Enqueue(ctx context.Context, tenant *model.Tenant, subs []Submission) error {
	points := make([]model.MetricPoint, 0, len(subs))
	for _, s := range subs {
		points = append(points, model.MetricPoint{
			TenantID:   tenant.ID,
			AgentID:    s.AgentID,
			MetricName: s.MetricName,
			Value:      s.Value,
			Timestamp:  s.Timestamp,
			DedupeID:   s.DedupeID,
		})
	}

	// The published payload is always a JSON array, even for single-object
	// submissions.
	payload, err := json.Marshal(subs)
	if err != nil {
		return err
	}

	select {
	case p.jobs <- job{tenantID: tenant.ID, points: points, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process persists one batch with bounded retries, then publishes it.
// Publish failures never undo the committed write.
func (p *Pipeline) process(ctx context.Context, j job) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := p.store.WriteBatch(ctx, j.tenantID, j.points)
		if err == nil {
			delivered := p.bus.Publish(stream.MetricsChannel(j.tenantID), j.payload)
			log.WithFields(log.Fields{
				"tenant_id":    j.tenantID,
				"metric_count": len(j.points),
				"subscribers":  delivered,
			}).Info("Processed metric submission")
			return
		}

		log.WithFields(log.Fields{
			"tenant_id": j.tenantID,
			"attempt":   attempt,
		}).WithError(err).Warn("Metric batch persistence failed")

		if attempt == p.maxAttempts {
			break
		}
		delay := retryBackoff[len(retryBackoff)-1]
		if attempt-1 < len(retryBackoff) {
			delay = retryBackoff[attempt-1]
		}
		if !p.sleep(ctx, delay) {
			return
		}
	}

	log.WithFields(log.Fields{
		"tenant_id":    j.tenantID,
		"metric_count": len(j.points),
	}).Error("Dropping metric batch after exhausting retries")
}
