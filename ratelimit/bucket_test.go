package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time  { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newManualClock() *manualClock {
	return &manualClock{t: time.Unix(1_700_000_000, 0)}
}

func TestTryConsumeAllowsWithinCapacity(t *testing.T) {
	clock := newManualClock()
	l := New(WithClock(clock.now))

	for i := 0; i < int(DefaultCapacity); i++ {
		require.True(t, l.TryConsume("peer-a"), "request %d should be admitted", i)
	}
	require.False(t, l.TryConsume("peer-a"), "bucket should be exhausted")
}

func TestTryConsumeRefillsOverTime(t *testing.T) {
	clock := newManualClock()
	l := New(WithClock(clock.now))

	for i := 0; i < int(DefaultCapacity); i++ {
		require.True(t, l.TryConsume("peer-a"))
	}
	require.False(t, l.TryConsume("peer-a"))

	clock.advance(1 * time.Second)
	require.True(t, l.TryConsume("peer-a"), "one token should refill after 1s at 100/min")
}

func TestTryConsumePeersAreIndependent(t *testing.T) {
	clock := newManualClock()
	l := New(WithClock(clock.now))

	for i := 0; i < int(DefaultCapacity); i++ {
		require.True(t, l.TryConsume("peer-a"))
	}
	require.False(t, l.TryConsume("peer-a"))
	require.True(t, l.TryConsume("peer-b"), "a different peer must have its own bucket")
}

func TestSetCapacityScalesWithPayment(t *testing.T) {
	clock := newManualClock()
	l := New(WithClock(clock.now))

	l.SetCapacity("payer", 5.0) // 5x baseline capacity
	admitted := 0
	for i := 0; i < int(DefaultCapacity)*5+10; i++ {
		if l.TryConsume("payer") {
			admitted++
		}
	}
	require.Equal(t, int(DefaultCapacity)*5, admitted)
}

func TestSetCapacityClampsExistingTokens(t *testing.T) {
	clock := newManualClock()
	l := New(WithClock(clock.now))

	require.True(t, l.TryConsume("peer-a"))
	l.SetCapacity("peer-a", 0.01) // shrink capacity well below current token count
	remaining := 0
	for i := 0; i < int(DefaultCapacity); i++ {
		if l.TryConsume("peer-a") {
			remaining++
		}
	}
	require.Less(t, remaining, int(DefaultCapacity)-1)
}

func TestIdleEvictionResetsBucketState(t *testing.T) {
	clock := newManualClock()
	l := New(WithClock(clock.now), WithIdleTimeout(time.Minute))

	for i := 0; i < int(DefaultCapacity); i++ {
		require.True(t, l.TryConsume("peer-a"))
	}
	require.False(t, l.TryConsume("peer-a"))
	require.Equal(t, 1, l.Len())

	clock.advance(2 * time.Minute)
	require.True(t, l.TryConsume("peer-a"), "idle-evicted peer should get a fresh bucket")
}

func TestRemoveDropsBucketState(t *testing.T) {
	clock := newManualClock()
	l := New(WithClock(clock.now))

	for i := 0; i < int(DefaultCapacity); i++ {
		require.True(t, l.TryConsume("peer-a"))
	}
	require.False(t, l.TryConsume("peer-a"))

	l.Remove("peer-a")
	require.True(t, l.TryConsume("peer-a"), "removed peer should start with a fresh bucket")
}

func TestTryConsumeEmptyPeerAlwaysAllowed(t *testing.T) {
	l := New()
	require.True(t, l.TryConsume(""))
	require.True(t, l.TryConsume(""))
}
