// Package degraded implements degraded-mode handling: while the settlement
// service is unreachable, events are accepted without verification and
// their claims queued; on recovery the queue is drained at bounded
// concurrency. The bounded-FIFO-with-oldest-drop shape follows the
// teacher's container/list-based eviction structures, repurposed from
// least-recently-used to strict arrival order.
package degraded

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/payment"
)

const (
	defaultMaxQueue  = 10000
	drainBatchSize   = 100
	drainConcurrency = 10
)

// VerificationQueueEntry is a claim awaiting deferred verification.
type VerificationQueueEntry struct {
	Event    *nostr.Event
	Claim    *payment.Claim
	QueuedAt time.Time
}

// VerifyFunc verifies one queued entry against the settlement service once
// it is reachable again.
type VerifyFunc func(ctx context.Context, entry VerificationQueueEntry) (valid bool, err error)

// DrainResult aggregates the outcome of a drain pass.
type DrainResult struct {
	Valid       int
	Invalid     int
	Errored     int
	Interrupted bool // true if a disconnect cut the drain short
}

// Controller tracks degraded/normal state and the pending verification queue.
type Controller struct {
	maxQueue int
	now      func() time.Time

	mu       sync.Mutex
	degraded bool
	queue    *list.List // of VerificationQueueEntry
	dropped  int64

	draining  bool
	stopDrain chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxQueue overrides the default 10,000-entry queue bound.
func WithMaxQueue(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxQueue = n
		}
	}
}

// WithClock overrides the time source (for deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New constructs a Controller starting in normal (non-degraded) mode.
func New(opts ...Option) *Controller {
	c := &Controller{
		maxQueue: defaultMaxQueue,
		now:      time.Now,
		queue:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Degraded reports whether the controller is currently in degraded mode.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// QueueLen reports the current queue depth.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// DroppedCount reports how many entries have been dropped due to overflow.
func (c *Controller) DroppedCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// OnDisconnected transitions into degraded mode. If a drain is in progress
// it is signaled to stop.
func (c *Controller) OnDisconnected() {
	c.mu.Lock()
	c.degraded = true
	if c.draining && c.stopDrain != nil {
		close(c.stopDrain)
		c.stopDrain = nil
	}
	c.mu.Unlock()
}

// OnConnected transitions out of degraded mode. It does not itself drain
// the queue; callers should invoke Drain separately once connected.
func (c *Controller) OnConnected() {
	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
}

// Enqueue accepts an event's claim (if any) while degraded, without
// performing verification. If the queue is at capacity the oldest entry is
// dropped and the overflow counter incremented.
func (c *Controller) Enqueue(e *nostr.Event, claim *payment.Claim) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue.Len() >= c.maxQueue {
		front := c.queue.Front()
		if front != nil {
			c.queue.Remove(front)
			c.dropped++
		}
	}
	c.queue.PushBack(VerificationQueueEntry{
		Event:    e,
		Claim:    claim,
		QueuedAt: c.now(),
	})
}

// Drain processes the queue in batches of 100 at concurrency 10, calling
// verify for each entry. If OnDisconnected fires mid-drain, the drain stops
// early and DrainResult.Interrupted is true; queue processing failures are
// counted but non-fatal, since already-stored events cannot be
// retroactively rejected.
func (c *Controller) Drain(ctx context.Context, verify VerifyFunc) DrainResult {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return DrainResult{}
	}
	c.draining = true
	stop := make(chan struct{})
	c.stopDrain = stop
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.draining = false
		c.stopDrain = nil
		c.mu.Unlock()
	}()

	var result DrainResult
	for {
		batch, ok := c.popBatch(drainBatchSize)
		if !ok || len(batch) == 0 {
			return result
		}

		select {
		case <-stop:
			c.requeueFront(batch)
			result.Interrupted = true
			return result
		default:
		}

		outcomes := runConcurrently(ctx, batch, verify, drainConcurrency)
		for _, o := range outcomes {
			switch {
			case o.err != nil:
				result.Errored++
			case o.valid:
				result.Valid++
			default:
				result.Invalid++
			}
		}

		select {
		case <-stop:
			result.Interrupted = true
			return result
		default:
		}
	}
}

func (c *Controller) popBatch(n int) ([]VerificationQueueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.Len() == 0 {
		return nil, false
	}
	batch := make([]VerificationQueueEntry, 0, n)
	for i := 0; i < n; i++ {
		front := c.queue.Front()
		if front == nil {
			break
		}
		c.queue.Remove(front)
		batch = append(batch, front.Value.(VerificationQueueEntry))
	}
	return batch, true
}

// requeueFront pushes an interrupted batch back to the front of the queue,
// preserving its original order, so a later drain picks up where this one
// left off.
func (c *Controller) requeueFront(batch []VerificationQueueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(batch) - 1; i >= 0; i-- {
		c.queue.PushFront(batch[i])
	}
}

type outcome struct {
	valid bool
	err   error
}

func runConcurrently(ctx context.Context, batch []VerificationQueueEntry, verify VerifyFunc, concurrency int) []outcome {
	outcomes := make([]outcome, len(batch))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, entry := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, entry VerificationQueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			valid, err := verify(ctx, entry)
			outcomes[i] = outcome{valid: valid, err: err}
		}(i, entry)
	}
	wg.Wait()
	return outcomes
}
