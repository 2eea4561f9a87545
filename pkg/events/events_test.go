package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

// TestBrokerPublishSubscribe tests event delivery to all subscribers and
// the automatic timestamp.
func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{
		Type:     EventVolumeCreated,
		Metadata: map[string]string{"volume_name": "scratch"},
	})

	for _, sub := range []Subscriber{first, second} {
		ev := receive(t, sub)
		assert.Equal(t, EventVolumeCreated, ev.Type)
		assert.Equal(t, "scratch", ev.Metadata["volume_name"])
		assert.False(t, ev.Timestamp.IsZero(), "broker stamps the publish time")
	}
}

// TestBrokerUnsubscribe tests that an unsubscribed channel is closed and
// no longer counted.
func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

// TestBrokerSlowSubscriber tests that a full subscriber buffer drops
// events instead of stalling the broadcast loop.
func TestBrokerSlowSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	live := b.Subscribe()

	// Overrun the per-subscriber buffer without draining slow.
	for i := 0; i < cap(slow)+10; i++ {
		b.Publish(&Event{Type: EventVolumeReclaimed})
	}

	// The healthy subscriber still sees traffic.
	ev := receive(t, live)
	require.NotNil(t, ev)
	assert.Equal(t, EventVolumeReclaimed, ev.Type)
}
