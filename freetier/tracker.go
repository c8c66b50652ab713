// Package freetier implements a per-pubkey free-event allowance with a
// whitelist bypass, where usage increments run asynchronously and never
// block event acceptance.
package freetier

import "sync"

// Status is the result of a Check call.
type Status struct {
	Eligible    bool
	Remaining   int64
	Whitelisted bool
}

// Tracker tracks per-pubkey free-event usage against a configured allowance.
type Tracker struct {
	allowance int64
	whitelist map[string]struct{}

	mu     sync.Mutex
	counts map[string]int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAllowance sets the free-event allowance per pubkey. A non-positive
// allowance disables the free tier entirely (every check is ineligible
// unless the pubkey is whitelisted).
func WithAllowance(n int64) Option {
	return func(t *Tracker) { t.allowance = n }
}

// WithWhitelist seeds pubkeys that always bypass the allowance check.
func WithWhitelist(pubkeys ...string) Option {
	return func(t *Tracker) {
		for _, pk := range pubkeys {
			t.whitelist[pk] = struct{}{}
		}
	}
}

// New constructs a Tracker. The default allowance is 0 (free tier disabled).
func New(opts ...Option) *Tracker {
	t := &Tracker{
		allowance: 0,
		whitelist: make(map[string]struct{}),
		counts:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check reports whether pubkey may use a free event right now.
func (t *Tracker) Check(pubkey string) Status {
	if _, ok := t.whitelist[pubkey]; ok {
		return Status{Eligible: true, Whitelisted: true, Remaining: t.allowance}
	}

	t.mu.Lock()
	used := t.counts[pubkey]
	t.mu.Unlock()

	remaining := t.allowance - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{Eligible: remaining > 0, Remaining: remaining}
}

// Increment records one free-event usage for pubkey. Callers should not
// await completion; it is expected to be invoked from a separate goroutine
// so it never blocks event acceptance.
func (t *Tracker) Increment(pubkey string) {
	t.mu.Lock()
	t.counts[pubkey]++
	t.mu.Unlock()
}
