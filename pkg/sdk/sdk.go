// Package sdk is the client library agents use to submit metrics to the
// ingestion API. It batches submissions and flushes them over HTTP with a
// tenant bearer token.
package sdk

import (
	"context"
	"fmt"
	"time"
)

// Metric is one submission in ingestion wire shape.
type Metric struct {
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	AgentID    string    `json:"agent_id,omitempty"`
	DedupeID   string    `json:"dedupe_id,omitempty"`
}

// Config holds client configuration.
type Config struct {
	// Endpoint is the full ingestion URL, e.g. http://host:8080/v1/metrics.
	Endpoint string

	// Token is the tenant bearer token.
	Token string

	// AgentID identifies this agent on every submission.
	AgentID string

	// MaxBatchSize flushes early once this many metrics are pending.
	MaxBatchSize int

	// FlushEvery is the periodic flush interval.
	FlushEvery time.Duration
}

// Client submits metrics through an internal batcher.
type Client struct {
	agentID string
	batcher *batcher
}

// New creates a client and starts its flush loop.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 10 * time.Second
	}

	t := newHTTPTransport(cfg.Endpoint, cfg.Token)
	b := newBatcher(t, cfg.MaxBatchSize, cfg.FlushEvery)
	b.start(context.Background())

	return &Client{agentID: cfg.AgentID, batcher: b}, nil
}

// Submit queues one metric sample stamped with the current time.
func (c *Client) Submit(name string, value float64) {
	c.batcher.add(Metric{
		MetricName: name,
		Value:      value,
		Timestamp:  time.Now().UTC(),
		AgentID:    c.agentID,
	})
}

// SubmitDeduped queues a sample carrying an idempotency key: resubmitting the
// same dedupe ID replaces the stored value instead of inserting a new row.
func (c *Client) SubmitDeduped(name string, value float64, dedupeID string) {
	c.batcher.add(Metric{
		MetricName: name,
		Value:      value,
		Timestamp:  time.Now().UTC(),
		AgentID:    c.agentID,
		DedupeID:   dedupeID,
	})
}

// Flush sends all pending metrics now.
func (c *Client) Flush() error {
	return c.batcher.flushNow()
}

// Close stops the flush loop and sends any remaining metrics.
func (c *Client) Close() error {
	return c.batcher.stop()
}
