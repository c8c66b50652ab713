// Package subscription implements a (subscriber, sub_id)-keyed, TTL-bounded
// table of live REQ subscriptions, shaped after the teacher's dual-indexed,
// RWMutex-guarded peerstore registry.
package subscription

import (
	"errors"
	"sync"
	"time"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
)

const defaultMaxTTL = 24 * time.Hour

var (
	ErrEmptySubID        = errors.New("subscription: sub_id must not be empty")
	ErrEmptyFilters      = errors.New("subscription: filters must not be empty")
	ErrTTLExceedsMaximum = errors.New("subscription: ttl exceeds configured maximum")
)

// Subscription is a single registered REQ subscription.
type Subscription struct {
	SubID      string
	Subscriber string
	Filters    []*nostr.Filter
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Active     bool
}

type key struct {
	subscriber string
	subID      string
}

// Registry tracks live subscriptions keyed by (subscriber, sub_id).
type Registry struct {
	maxTTL time.Duration
	now    func() time.Time

	mu           sync.RWMutex
	byKey        map[key]*Subscription
	bySubscriber map[string]map[string]*Subscription // subscriber -> subID -> *Subscription
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxTTL overrides the default 24h maximum subscription lifetime.
func WithMaxTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxTTL = d
		}
	}
}

// WithClock overrides the time source (for deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		maxTTL:       defaultMaxTTL,
		now:          time.Now,
		byKey:        make(map[key]*Subscription),
		bySubscriber: make(map[string]map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates or replaces the (subscriber, subID) subscription.
func (r *Registry) Register(subID, subscriber string, filters []*nostr.Filter, ttl time.Duration) error {
	if subID == "" {
		return ErrEmptySubID
	}
	if len(filters) == 0 {
		return ErrEmptyFilters
	}
	if ttl <= 0 || ttl > r.maxTTL {
		return ErrTTLExceedsMaximum
	}

	now := r.now()
	sub := &Subscription{
		SubID:      subID,
		Subscriber: subscriber,
		Filters:    filters,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Active:     true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{subscriber: subscriber, subID: subID}
	r.byKey[k] = sub
	bucket, ok := r.bySubscriber[subscriber]
	if !ok {
		bucket = make(map[string]*Subscription)
		r.bySubscriber[subscriber] = bucket
	}
	bucket[subID] = sub
	return nil
}

// Unregister removes the (subscriber, subID) subscription. Idempotent:
// unregistering an absent subscription returns false, not an error.
func (r *Registry) Unregister(subID, subscriber string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(subscriber, subID)
}

func (r *Registry) removeLocked(subscriber, subID string) bool {
	k := key{subscriber: subscriber, subID: subID}
	if _, ok := r.byKey[k]; !ok {
		return false
	}
	delete(r.byKey, k)
	if bucket, ok := r.bySubscriber[subscriber]; ok {
		delete(bucket, subID)
		if len(bucket) == 0 {
			delete(r.bySubscriber, subscriber)
		}
	}
	return true
}

// Get returns the (subscriber, subID) subscription, if present.
func (r *Registry) Get(subID, subscriber string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byKey[key{subscriber: subscriber, subID: subID}]
	return sub, ok
}

// Has reports whether (subscriber, subID) is registered.
func (r *Registry) Has(subID, subscriber string) bool {
	_, ok := r.Get(subID, subscriber)
	return ok
}

// BySubscriber returns all subscriptions currently registered for subscriber.
func (r *Registry) BySubscriber(subscriber string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.bySubscriber[subscriber]
	out := make([]*Subscription, 0, len(bucket))
	for _, sub := range bucket {
		out = append(out, sub)
	}
	return out
}

// Count returns the total number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// All returns every active, live subscription, used by the fan-out
// scheduler to find subscribers whose filters match a newly stored event.
func (r *Registry) All() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.byKey))
	for _, sub := range r.byKey {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out
}

// Deactivate marks (subscriber, subID) inactive after a delivery failure;
// it is excluded from future fan-out matching immediately and physically
// removed on the next Sweep.
func (r *Registry) Deactivate(subID, subscriber string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.byKey[key{subscriber: subscriber, subID: subID}]; ok {
		sub.Active = false
	}
}

// Sweep evicts subscriptions that are expired or inactive, returning how
// many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, sub := range r.byKey {
		if !sub.ExpiresAt.After(now) || !sub.Active {
			r.removeLocked(k.subscriber, k.subID)
			removed++
		}
	}
	return removed
}
