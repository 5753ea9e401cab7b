package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a step in a collection event's sync lifecycle
type EventType string

const (
	EventCollected     EventType = "event.collected"
	EventSyncQueued    EventType = "sync.queued"
	EventSyncStarted   EventType = "sync.started"
	EventSyncSucceeded EventType = "sync.succeeded"
	EventSyncFailed    EventType = "sync.failed"
	EventSyncSkipped   EventType = "sync.skipped"
	EventSyncRetried   EventType = "sync.retried"
	EventJobStalled    EventType = "job.stalled"
)

// Event is a lifecycle notification about one collection event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	EventID   string            `json:"eventId,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

const (
	publishBuffer      = 100
	subscriptionBuffer = 50
)

// Filter selects the notifications a subscription receives. Zero fields
// match everything.
type Filter struct {
	EventID string
	Types   []EventType
}

// Match reports whether ev passes the filter
func (f Filter) Match(ev *Event) bool {
	if f.EventID != "" && ev.EventID != f.EventID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

// Subscription is one consumer of the broker. Notifications that arrive
// while its buffer is full are dropped and counted.
type Subscription struct {
	ch      chan *Event
	filter  Filter
	dropped atomic.Int64
	broker  *Broker
}

// C delivers matching notifications. It is closed by Close.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Dropped returns how many notifications missed this subscription
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// Broker fans lifecycle notifications out to subscriptions. Publishing
// never waits on a subscriber.
type Broker struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	queue    chan *Event
	done     chan struct{}
	stopOnce sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[*Subscription]struct{}),
		queue: make(chan *Event, publishBuffer),
		done:  make(chan struct{}),
	}
}

// Start runs the fan-out loop until Stop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.queue:
				b.deliver(ev)
			case <-b.done:
				return
			}
		}
	}()
}

func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Subscribe registers a consumer for notifications matching f
func (b *Broker) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		ch:     make(chan *Event, subscriptionBuffer),
		filter: f,
		broker: b,
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publish stamps ev with an id and time when missing and queues it. It is
// dropped if the broker is stopped or the queue is full.
func (b *Broker) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case <-b.done:
	case b.queue <- ev:
	default:
	}
}

func (b *Broker) deliver(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of open subscriptions
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
