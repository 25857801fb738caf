package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventA EventType = iota
	testEventB
)

func receiveEvent[T any](t *testing.T, ch chan *Event[T]) *Event[T] {
	t.Helper()

	select {
	case ev := <-ch:
		require.NotNil(t, ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	p := NewPubSubClient(8)
	defer p.Shutdown()

	ch := make(chan *Event[string], 1)
	Subscribe(p, testEventA, ch, SubscriptionOptions{})

	Publish(p, NewEvent(testEventA, "hello"))

	ev := receiveEvent(t, ch)
	assert.Equal(t, testEventA, ev.Type)
	assert.Equal(t, "hello", ev.Payload)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	p := NewPubSubClient(8)
	defer p.Shutdown()

	first := make(chan *Event[int], 1)
	second := make(chan *Event[int], 1)
	Subscribe(p, testEventA, first, SubscriptionOptions{})
	Subscribe(p, testEventA, second, SubscriptionOptions{})

	Publish(p, NewEvent(testEventA, 42))

	assert.Equal(t, 42, receiveEvent(t, first).Payload)
	assert.Equal(t, 42, receiveEvent(t, second).Payload)
}

func TestSubscriberOnlySeesItsEventType(t *testing.T) {
	p := NewPubSubClient(8)
	defer p.Shutdown()

	chA := make(chan *Event[string], 1)
	chB := make(chan *Event[string], 1)
	Subscribe(p, testEventA, chA, SubscriptionOptions{})
	Subscribe(p, testEventB, chB, SubscriptionOptions{})

	Publish(p, NewEvent(testEventB, "b only"))

	assert.Equal(t, "b only", receiveEvent(t, chB).Payload)
	assert.Empty(t, chA)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPubSubClient(8)
	defer p.Shutdown()

	ch := make(chan *Event[string], 1)
	id := Subscribe(p, testEventA, ch, SubscriptionOptions{})

	p.Unsubscribe(testEventA, id)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic or deliver.
	Publish(p, NewEvent(testEventA, "gone"))
}

func TestNonBlockingSubscriberDropsWhenFull(t *testing.T) {
	p := NewPubSubClient(8)
	defer p.Shutdown()

	ch := make(chan *Event[int], 1)
	Subscribe(p, testEventA, ch, SubscriptionOptions{})

	Publish(p, NewEvent(testEventA, 1))
	assert.Equal(t, 1, receiveEvent(t, ch).Payload)

	// Fill the buffer and publish past it; extra events are dropped, never
	// blocking the bus.
	Publish(p, NewEvent(testEventA, 2))
	Publish(p, NewEvent(testEventA, 3))
	Publish(p, NewEvent(testEventA, 4))

	assert.Equal(t, 2, receiveEvent(t, ch).Payload)
}

func TestShutdownClosesSubscribersAndIsIdempotent(t *testing.T) {
	p := NewPubSubClient(8)

	ch := make(chan *Event[string], 4)
	Subscribe(p, testEventA, ch, SubscriptionOptions{})

	Publish(p, NewEvent(testEventA, "before shutdown"))
	p.Shutdown()
	p.Shutdown()

	// The in-flight event is drained before the channel closes.
	ev, open := <-ch
	require.True(t, open)
	assert.Equal(t, "before shutdown", ev.Payload)

	_, open = <-ch
	assert.False(t, open)

	// Publishing after shutdown is a no-op.
	Publish(p, NewEvent(testEventA, "after shutdown"))
}
