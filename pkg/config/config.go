package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/pulseboard"
	DefaultMaxMemoryMB = 48
)

// Retention horizons per resolution
const (
	RawRetention      = 24 * time.Hour
	Rollup1mRetention = 7 * 24 * time.Hour
	Rollup5mRetention = 30 * 24 * time.Hour
)

// Scheduler cadences
const (
	Downsample1mInterval = 1 * time.Minute
	Downsample5mInterval = 5 * time.Minute
	RetentionInterval    = 24 * time.Hour
	EvaluationInterval   = 30 * time.Second
	BadgerGCInterval     = 10 * time.Minute
)

// Ingestion pipeline
const (
	IngestQueueSize     = 1024
	IngestWorkers       = 4
	IngestMaxAttempts   = 5
	MetricNameMaxLen    = 64
	IngestRatePerMinute = 60
	IngestRateBurst     = 60
)

// Query limits
const (
	MetricQueryLimit     = 1000
	AlertQueryLimit      = 100
	AlertQueryRangeLimit = 1000
)

// Alert evaluation
const (
	RuleBatchSize   = 100
	LookbackPadding = 60 * time.Second
)

// Notification delivery
const (
	WebhookTimeout = 10 * time.Second
)

// Streaming sessions
const (
	StreamKeepalive  = 15 * time.Second
	StreamMaxSession = 30 * time.Minute
	StreamBuffer     = 64
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
