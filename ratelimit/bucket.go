// Package ratelimit implements a per-peer, payment-adjustable token bucket,
// generalized from the teacher's IP-keyed token bucket to arbitrary opaque
// peer-address strings.
package ratelimit

import (
	"container/list"
	"math"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the starting bucket capacity (requests/minute).
	DefaultCapacity = 100.0
	// baseRatePerMinute is the reference payment rate used by SetCapacity's
	// proportional scaling: capacity := (amount / baseRate) * DefaultCapacity.
	baseRatePerMinute = 1.0

	defaultIdleTimeout = 15 * time.Minute
)

type tokenBucket struct {
	capacity   float64
	refillRate float64 // tokens/second
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity float64, now time.Time) *tokenBucket {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &tokenBucket{
		capacity:   capacity,
		refillRate: capacity / 60.0,
		tokens:     capacity,
		lastRefill: now,
	}
}

func (b *tokenBucket) refillLocked(now time.Time) {
	if now.Before(b.lastRefill) {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

func (b *tokenBucket) tryConsume(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) setCapacity(capacity float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b.capacity = capacity
	b.refillRate = capacity / 60.0
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

type entry struct {
	bucket   *tokenBucket
	lastSeen time.Time
	element  *list.Element
}

// Limiter is a per-peer token bucket rate limiter. Buckets are created
// lazily on first use, are never shared across peers, and are evicted after
// an idle timeout. The zero value is not usable; construct with New.
type Limiter struct {
	defaultCapacity float64
	idleTimeout     time.Duration

	mu      sync.Mutex
	buckets map[string]*entry
	order   *list.List

	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithIdleTimeout overrides the default 15-minute idle eviction window.
func WithIdleTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.idleTimeout = d }
}

// WithClock overrides the time source (for deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New constructs a Limiter whose buckets default to DefaultCapacity.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		defaultCapacity: DefaultCapacity,
		idleTimeout:     defaultIdleTimeout,
		buckets:         make(map[string]*entry),
		order:           list.New(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryConsume lazily creates peer's bucket if needed and attempts to consume
// one token, returning whether the request is admitted.
func (l *Limiter) TryConsume(peer string) bool {
	if l == nil || peer == "" {
		return true
	}
	now := l.now()
	l.mu.Lock()
	l.evictIdleLocked(now)
	e := l.buckets[peer]
	if e == nil {
		e = &entry{bucket: newTokenBucket(l.defaultCapacity, now)}
		e.element = l.order.PushBack(peer)
		l.buckets[peer] = e
	}
	e.lastSeen = now
	l.order.MoveToBack(e.element)
	bucket := e.bucket
	l.mu.Unlock()

	return bucket.tryConsume(now)
}

// SetCapacity scales peer's bucket capacity proportionally to a payment
// amount: capacity := (amount / baseRate) * 100, clamping existing tokens
// to the new capacity.
func (l *Limiter) SetCapacity(peer string, paymentAmount float64) {
	if l == nil || peer == "" {
		return
	}
	now := l.now()
	capacity := (paymentAmount / baseRatePerMinute) * DefaultCapacity

	l.mu.Lock()
	e := l.buckets[peer]
	if e == nil {
		e = &entry{bucket: newTokenBucket(capacity, now)}
		e.element = l.order.PushBack(peer)
		l.buckets[peer] = e
		l.mu.Unlock()
		return
	}
	e.lastSeen = now
	l.order.MoveToBack(e.element)
	bucket := e.bucket
	l.mu.Unlock()

	bucket.setCapacity(capacity, now)
}

// Remove evicts peer's bucket, resetting its rate-limit state.
func (l *Limiter) Remove(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(peer)
}

func (l *Limiter) removeLocked(peer string) {
	e, ok := l.buckets[peer]
	if !ok {
		return
	}
	l.order.Remove(e.element)
	delete(l.buckets, peer)
}

func (l *Limiter) evictIdleLocked(now time.Time) {
	if l.idleTimeout <= 0 {
		return
	}
	cutoff := now.Add(-l.idleTimeout)
	for {
		front := l.order.Front()
		if front == nil {
			return
		}
		peer, _ := front.Value.(string)
		e, ok := l.buckets[peer]
		if !ok {
			l.order.Remove(front)
			continue
		}
		if !e.lastSeen.Before(cutoff) {
			return
		}
		l.removeLocked(peer)
	}
}

// Len reports how many peer buckets are currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
