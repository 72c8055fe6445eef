package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"netboot-jobqueue/internal/telemetry"
)

// DefaultBufferSize is the per-subscriber event buffer when none is given.
const DefaultBufferSize = 256

// Publisher is the producer-side seam. The execution engine and enqueue
// service publish through it; tests pass a Broker directly while the
// worker binary wires a Redis relay in front.
type Publisher interface {
	Publish(evt *Event)
}

// Fanout publishes every event to each of the given publishers in order.
func Fanout(pubs ...Publisher) Publisher {
	return fanout(pubs)
}

type fanout []Publisher

func (f fanout) Publish(evt *Event) {
	for _, p := range f {
		p.Publish(evt)
	}
}

// Broker is an in-process topic broker with bounded per-subscriber
// channels. It is safe for concurrent use.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic -> subscriberID -> sub
	subs   map[string]*Subscriber

	bufferSize int
	logger     *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

var _ Publisher = (*Broker)(nil)

// NewBroker creates a broker. bufferSize <= 0 uses DefaultBufferSize.
func NewBroker(logger *slog.Logger, bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		topics:     make(map[string]map[string]*Subscriber),
		subs:       make(map[string]*Subscriber),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe creates a subscriber listening on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := newSubscriber(subscriberID, b.bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subscriberID] = sub
	for _, topic := range topics {
		set, ok := b.topics[topic]
		if !ok {
			set = make(map[string]*Subscriber)
			b.topics[topic] = set
		}
		set[subscriberID] = sub
	}
	return sub
}

// RemoveSubscriber detaches a subscriber from every topic and closes its
// channel.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.mu.Lock()
	sub := b.subs[subscriberID]
	delete(b.subs, subscriberID)
	for topic, set := range b.topics {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.close()
	}
}

// Publish fans the event out to every subscriber on its topics. Slow
// subscribers drop; publishing never blocks.
func (b *Broker) Publish(evt *Event) {
	targets := b.collect(topicsFor(evt))
	for _, sub := range targets {
		if sub.send(evt) {
			b.published.Add(1)
		} else {
			b.dropped.Add(1)
			telemetry.EventsDropped.Inc()
		}
	}
}

// collect deduplicates subscribers across topics without holding the lock
// during delivery.
func (b *Broker) collect(topics []string) map[string]*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range b.topics[topic] {
			seen[id] = sub
		}
	}
	return seen
}

// Close shuts down every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.topics = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Info("event broker shut down")
}

// Stats returns delivery counters.
func (b *Broker) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// SubscriberCount returns how many subscribers are attached.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
