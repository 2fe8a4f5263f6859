// Package stream provides the publish/subscribe fan-out that feeds live
// viewers: an in-process bus keyed by tenant plus SSE and WebSocket
// endpoints reading from it.
package stream

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// MetricsChannel returns the bus channel name for a tenant's metric feed.
func MetricsChannel(tenantID string) string {
	return "tenant." + tenantID + ".metrics"
}

// Subscription is one subscriber's feed. Messages arrive on C; slow
// subscribers drop messages rather than block publishers.
type Subscription struct {
	C chan []byte

	bus     *Bus
	channel string
	once    sync.Once
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus is an append-only broadcast bus with no persisted backlog: a
// subscriber that is not connected at publish time never sees that message.
// Every connected subscriber of a channel receives every published message.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewBus creates a bus whose subscriptions buffer up to buffer messages.
func NewBus(buffer int) *Bus {
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe attaches a new subscriber to a channel.
func (b *Bus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		C:       make(chan []byte, b.buffer),
		bus:     b,
		channel: channel,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
	close(sub.C)
}

// Publish fans payload out to every current subscriber of channel and
// returns the number of subscribers that received it.
func (b *Bus) Publish(channel string, payload []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs[channel] {
		select {
		case sub.C <- payload:
			delivered++
		default:
			log.WithFields(log.Fields{"channel": channel}).Warn("Subscriber buffer full, dropping message")
		}
	}
	return delivered
}

// Subscribers returns the current subscriber count for a channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
