package events

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives events over a bounded channel. Sends never block:
// when the buffer is full the event is dropped and counted, so a stalled
// SSE client cannot back-pressure the dispatcher or execution engine.
// send and close serialize on the mutex so a publish racing an
// unsubscribe can never hit a closed channel.
type Subscriber struct {
	id      string
	mu      sync.Mutex
	ch      chan *Event
	closed  bool
	dropped atomic.Int64
}

func newSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{
		id: id,
		ch: make(chan *Event, bufferSize),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel. It is closed when the subscriber
// is removed from the broker.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Dropped returns how many events were discarded due to a full buffer.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// send attempts a non-blocking delivery. Returns false if dropped or the
// subscriber is already closed.
func (s *Subscriber) send(evt *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close shuts the channel. Safe to call multiple times.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
