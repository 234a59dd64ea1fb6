// Package events provides the in-process publish/subscribe bus.
//
// The bus is a live telemetry channel, not a source of truth: delivery is
// best-effort, events are not persisted, and a subscriber that falls behind
// its queue depth is dropped silently. Durable records of state changes go
// to the activity log inside the owning transaction instead.
package events

import (
	"sync"
	"time"

	"github.com/mbd888/agora/internal/metrics"
)

// Event types published by the core.
const (
	TypeAgentRegistered      = "agent_registered"
	TypeAgentStatusChanged   = "agent_status_changed"
	TypeServiceCreated       = "service_created"
	TypeServiceUpdated       = "service_updated"
	TypeJobCreated           = "job_created"
	TypeJobStarted           = "job_started"
	TypeJobDelivered         = "job_delivered"
	TypeJobRevisionRequested = "job_revision_requested"
	TypeJobCompleted         = "job_completed"
	TypeJobCancelled         = "job_cancelled"
	TypeJobFailed            = "job_failed"
	TypeReputationUpdated    = "reputation_updated"
	TypeNegotiationStarted   = "negotiation_started"
	TypeNegotiationAgreed    = "negotiation_agreed"
	TypeNegotiationRejected  = "negotiation_rejected"
	TypeNegotiationExpired   = "negotiation_expired"
	TypePaymentCredited      = "payment_credited"
	TypeWithdrawalRequested  = "withdrawal_requested"
)

// Event is the unit of delivery.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// DefaultQueueDepth bounds each subscriber's buffer. A subscriber whose
// buffer is full at publish time is evicted.
const DefaultQueueDepth = 256

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	depth  int
	closed bool
}

// Subscription is one subscriber's receive side.
type Subscription struct {
	ch  chan Event
	bus *Bus
}

// NewBus creates a bus with the default queue depth.
func NewBus() *Bus {
	return NewBusWithDepth(DefaultQueueDepth)
}

// NewBusWithDepth creates a bus with an explicit per-subscriber queue depth.
func NewBusWithDepth(depth int) *Bus {
	if depth < 1 {
		depth = 1
	}
	return &Bus{
		subs:  make(map[*Subscription]struct{}),
		depth: depth,
	}
}

// Publish sends an event to every subscriber. Never blocks: subscribers
// whose queues are full are removed and their channels closed.
func (b *Bus) Publish(eventType string, data map[string]any) {
	ev := Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe registers a new subscriber. The caller must drain C() promptly
// or accept eviction, and must call Close when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan Event, b.depth),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// SubscriberCount reports the current number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}

// C returns the receive channel. It is closed on eviction, on Close of the
// subscription, or on bus shutdown.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}
