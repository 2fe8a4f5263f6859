package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsChannelName(t *testing.T) {
	assert.Equal(t, "tenant.t1.metrics", MetricsChannel("t1"))
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := NewBus(8)
	subs := []*Subscription{
		b.Subscribe("tenant.t1.metrics"),
		b.Subscribe("tenant.t1.metrics"),
		b.Subscribe("tenant.t1.metrics"),
	}

	payloads := [][]byte{[]byte(`[{"a":1}]`), []byte(`[{"b":2}]`)}
	for _, p := range payloads {
		delivered := b.Publish("tenant.t1.metrics", p)
		assert.Equal(t, 3, delivered)
	}

	for i, sub := range subs {
		for _, want := range payloads {
			select {
			case got := <-sub.C:
				assert.Equal(t, want, got, "subscriber %d payload mismatch", i)
			default:
				t.Fatalf("subscriber %d missing a message", i)
			}
		}
	}
}

func TestPublishIsScopedByChannel(t *testing.T) {
	b := NewBus(8)
	t1 := b.Subscribe(MetricsChannel("t1"))
	t2 := b.Subscribe(MetricsChannel("t2"))

	b.Publish(MetricsChannel("t1"), []byte("x"))

	select {
	case <-t1.C:
	default:
		t.Fatal("t1 subscriber should have received the message")
	}
	select {
	case <-t2.C:
		t.Fatal("t2 subscriber must not see t1 messages")
	default:
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := NewBus(8)
	assert.Equal(t, 0, b.Publish("tenant.t1.metrics", []byte("x")))
}

func TestNoBacklogForLateSubscribers(t *testing.T) {
	b := NewBus(8)
	b.Publish(MetricsChannel("t1"), []byte("early"))

	sub := b.Subscribe(MetricsChannel("t1"))
	select {
	case <-sub.C:
		t.Fatal("a late subscriber must not see earlier messages")
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus(2)
	sub := b.Subscribe(MetricsChannel("t1"))

	for i := 0; i < 5; i++ {
		b.Publish(MetricsChannel("t1"), []byte(fmt.Sprintf("m%d", i)))
	}

	// Buffer holds the first two; the rest were dropped, and Publish
	// never blocked to deliver them.
	assert.Equal(t, "m0", string(<-sub.C))
	assert.Equal(t, "m1", string(<-sub.C))
	select {
	case <-sub.C:
		t.Fatal("messages past the buffer should have been dropped")
	default:
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := NewBus(8)
	sub := b.Subscribe(MetricsChannel("t1"))
	require.Equal(t, 1, b.Subscribers(MetricsChannel("t1")))

	sub.Close()
	assert.Equal(t, 0, b.Subscribers(MetricsChannel("t1")))
	assert.Equal(t, 0, b.Publish(MetricsChannel("t1"), []byte("x")))

	_, open := <-sub.C
	assert.False(t, open, "closing drains and closes the channel")

	// Double close is safe.
	sub.Close()
}
