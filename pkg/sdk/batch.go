package sdk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// batcher accumulates metrics and flushes them on size or time triggers.
type batcher struct {
	transport transport
	maxSize   int
	every     time.Duration

	mu      sync.Mutex
	pending []Metric

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// flushing prevents concurrent flushes from spawning unbounded goroutines.
	flushing atomic.Bool
}

func newBatcher(t transport, maxSize int, every time.Duration) *batcher {
	return &batcher{
		transport: t,
		maxSize:   maxSize,
		every:     every,
		pending:   make([]Metric, 0, maxSize),
		done:      make(chan struct{}),
	}
}

func (b *batcher) start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

func (b *batcher) add(m Metric) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	full := len(b.pending) >= b.maxSize
	b.mu.Unlock()

	if full && b.flushing.CompareAndSwap(false, true) {
		go func() {
			b.flushNow()
			b.flushing.Store(false)
		}()
	}
}

func (b *batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.every)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flushNow()
				b.flushing.Store(false)
			}
		}
	}
}

func (b *batcher) flushNow() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	out := make([]Metric, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.transport.send(ctx, out)
}

func (b *batcher) stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return b.flushNow()
}
