package pubsub

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// EventType is the type of event subscribers are listening for. Packages
// define their own event constants on top of this base type.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks to deliver an event to this subscriber's
	// channel when it is full or unbuffered. This guarantees delivery but a
	// slow subscriber then stalls the whole bus; it should generally be false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription instance. It is returned upon
// subscribing and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a generic event with compile-time type safety for payloads.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber is the type-erased registry entry. Channels of different payload
// types cannot live in one map, so instead of the typed channel we store
// closures that capture it: sendFunc asserts the payload back to T and sends,
// closeFunc closes the captured channel on unsubscribe.
type subscriber struct {
	sendFunc  func(eventType EventType, payload any) bool
	closeFunc func()
	options   SubscriptionOptions
}

// PubSubClient is a thread-safe publish-subscribe broker. The coordinator uses
// it to fan lifecycle events (role changes, election results, drain
// completion) out to listeners without holding its coordination lock.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	// registry maps an EventType to the subscribers listening for it
	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan decouples Publish from the broadcasting run() goroutine so
	// that publishers holding locks are never stalled by slow subscribers.
	publishChan chan publishedEvent

	shuttingDown atomic.Bool
}

type publishedEvent struct {
	eventType EventType
	payload   any
}

// NewPubSubClient creates a broker and starts its delivery goroutine.
func NewPubSubClient(buffer int) *PubSubClient {
	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan publishedEvent, buffer),
	}

	p.wg.Add(1)
	go p.run()
	return p
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for ev := range p.publishChan {
		p.mu.RLock()
		for _, sub := range p.registry[ev.eventType] {
			if !sub.sendFunc(ev.eventType, ev.payload) && !sub.options.IsBlocking {
				log.WithField("event", ev.eventType).Debug("dropped event for slow subscriber")
			}
		}
		p.mu.RUnlock()
	}
}

// Subscribe registers a channel to receive events of the given type. The
// caller owns the channel and chooses its buffer size. Go does not allow
// methods to declare their own type parameters, so Subscribe is a free
// function taking the client as its first argument.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	sub := &subscriber{
		options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				log.WithField("event", evType).Warnf("payload type mismatch: expected %T, got %T", *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(p.registry, eventType)
	}
	sub.closeFunc()
}

// Publish broadcasts an event. Safe to call concurrently with shutdown: the
// read lock held here keeps Shutdown from closing publishChan underneath us.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		return
	}
	p.publishChan <- publishedEvent{eventType: event.Type, payload: event.Payload}
}

// Shutdown stops accepting publishes, drains in-flight events, closes all
// subscriber channels, and waits for delivery to finish. Idempotent.
func (p *PubSubClient) Shutdown() {
	p.mu.Lock()
	if p.shuttingDown.Swap(true) {
		p.mu.Unlock()
		return
	}
	close(p.publishChan)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for eventType, subs := range p.registry {
		for id, sub := range subs {
			delete(subs, id)
			sub.closeFunc()
		}
		delete(p.registry, eventType)
	}
}
