package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one watcher's view of the broker. Delivery uses
// credit-based flow control: each delivered event consumes one credit,
// and a subscriber with no credits left is skipped until the watcher
// grants more. Slow consumers therefore lose events instead of
// stalling the broker.
type Subscriber struct {
	id string

	// ch carries delivered events to the watcher.
	ch chan *Event

	// credits is the remaining delivery budget.
	credits atomic.Int64

	// dropped counts events this subscriber missed from an exhausted
	// budget or a full buffer.
	dropped atomic.Int64

	// topics is the set of topic names this subscriber is attached to,
	// maintained by the registry.
	topics map[string]struct{}
	mu     sync.RWMutex

	// filter, when set, must accept an event for it to be delivered.
	filter func(*Event) bool

	closed atomic.Bool
}

// NewSubscriber creates a subscriber with the given buffer size and
// initial delivery budget.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits replenishes the delivery budget.
func (s *Subscriber) AddCredits(n int64) {
	s.credits.Add(n)
}

// Credits returns the remaining delivery budget.
func (s *Subscriber) Credits() int64 {
	return s.credits.Load()
}

// Dropped returns how many events this subscriber has missed.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// SetFilter installs an event predicate. Set it before the first
// delivery; the broker reads it without synchronization.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.filter = fn
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// send attempts to deliver an event. It reports false when the event
// was not delivered: subscriber closed, filter mismatch, exhausted
// budget, or full buffer.
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}

	if s.filter != nil && !s.filter(evt) {
		return false
	}

	if !s.takeCredit() {
		s.dropped.Add(1)
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		// Buffer full; the event is lost but the credit is not.
		s.credits.Add(1)
		s.dropped.Add(1)
		return false
	}
}

// takeCredit consumes one credit, reporting false when none remain.
func (s *Subscriber) takeCredit() bool {
	for {
		current := s.credits.Load()
		if current <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
