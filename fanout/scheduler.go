// Package fanout implements event delivery scheduling: for each accepted
// event, matching live subscriptions are notified with per-subscriber
// delivery order preserved and cross-subscriber delivery running in
// parallel. The per-subscriber channel-plus-feeder-goroutine shape mirrors
// the teacher's network.Client outbound send queue, replicated once per
// subscriber instead of once per connection.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/subscription"
)

// Delivery is one outbound EVENT notification destined for a subscriber.
type Delivery struct {
	Subscriber string
	SubID      string
	Event      *nostr.Event
}

// Sender performs the transport-level send of a delivery. Implementations
// should respect ctx and return an error on broken stream or timeout.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

const defaultQueueSize = 256

// Scheduler fans accepted events out to matching live subscriptions.
type Scheduler struct {
	registry *subscription.Registry
	sender   Sender
	timeout  time.Duration
	queueLen int

	mu     sync.Mutex
	queues map[string]chan Delivery // subscriber -> ordered delivery queue
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSendTimeout bounds each individual Sender.Send call.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithQueueSize overrides the default per-subscriber delivery queue depth.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueLen = n
		}
	}
}

// New constructs a Scheduler that matches against registry's live
// subscriptions and delivers via sender.
func New(registry *subscription.Registry, sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: registry,
		sender:   sender,
		timeout:  5 * time.Second,
		queueLen: defaultQueueSize,
		queues:   make(map[string]chan Delivery),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish notifies every live subscription whose filter set matches e.
// Deliveries to distinct subscribers proceed in parallel; deliveries to the
// same subscriber are strictly ordered by enqueue order (in particular,
// the order Publish itself is called in).
func (s *Scheduler) Publish(e *nostr.Event) {
	for _, sub := range s.registry.All() {
		if !nostr.MatchesAny(sub.Filters, e) {
			continue
		}
		s.enqueue(sub.Subscriber, Delivery{
			Subscriber: sub.Subscriber,
			SubID:      sub.SubID,
			Event:      e,
		})
	}
}

func (s *Scheduler) enqueue(subscriber string, d Delivery) {
	s.mu.Lock()
	q, ok := s.queues[subscriber]
	if !ok {
		q = make(chan Delivery, s.queueLen)
		s.queues[subscriber] = q
		go s.feed(subscriber, q)
	}
	s.mu.Unlock()

	select {
	case q <- d:
	default:
		// Queue saturated: drop rather than block Publish; the sender is
		// falling behind and will be deactivated once its next send fails
		// or times out.
	}
}

// feed is the single goroutine that owns subscriber's delivery order: it
// drains q strictly in enqueue order, one delivery at a time.
func (s *Scheduler) feed(subscriber string, q chan Delivery) {
	for d := range q {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.sender.Send(ctx, d)
		cancel()
		if err != nil {
			s.registry.Deactivate(d.SubID, d.Subscriber)
		}
	}
}
