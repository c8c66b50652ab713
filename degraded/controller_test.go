package degraded

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/payment"
)

func entry(channelID string) (*nostr.Event, *payment.Claim) {
	return &nostr.Event{ID: "id-" + channelID}, &payment.Claim{ChannelID: channelID}
}

func TestStartsInNormalMode(t *testing.T) {
	c := New()
	require.False(t, c.Degraded())
}

func TestOnDisconnectedEntersDegradedMode(t *testing.T) {
	c := New()
	c.OnDisconnected()
	require.True(t, c.Degraded())
}

func TestOnConnectedExitsDegradedMode(t *testing.T) {
	c := New()
	c.OnDisconnected()
	c.OnConnected()
	require.False(t, c.Degraded())
}

func TestEnqueueTracksQueueDepth(t *testing.T) {
	c := New()
	c.OnDisconnected()
	e, claim := entry("chan-1")
	c.Enqueue(e, claim)
	require.Equal(t, 1, c.QueueLen())
}

func TestEnqueueOverflowDropsOldest(t *testing.T) {
	c := New(WithMaxQueue(2))
	c.OnDisconnected()

	e1, claim1 := entry("chan-1")
	e2, claim2 := entry("chan-2")
	e3, claim3 := entry("chan-3")
	c.Enqueue(e1, claim1)
	c.Enqueue(e2, claim2)
	c.Enqueue(e3, claim3)

	require.Equal(t, 2, c.QueueLen(), "queue must stay bounded at max_queue")
	require.Equal(t, int64(1), c.DroppedCount())

	results := c.Drain(context.Background(), func(ctx context.Context, e VerificationQueueEntry) (bool, error) {
		return true, nil
	})
	require.Equal(t, 2, results.Valid)
}

func TestDrainAggregatesValidAndInvalid(t *testing.T) {
	c := New()
	c.OnDisconnected()
	for i := 0; i < 5; i++ {
		e, claim := entry("chan")
		c.Enqueue(e, claim)
	}
	c.OnConnected()

	i := 0
	result := c.Drain(context.Background(), func(ctx context.Context, e VerificationQueueEntry) (bool, error) {
		i++
		return i%2 == 0, nil
	})
	require.Equal(t, 5, result.Valid+result.Invalid)
	require.Equal(t, 0, result.Errored)
	require.False(t, result.Interrupted)
	require.Equal(t, 0, c.QueueLen())
}

func TestDrainCountsErrorsNonFatally(t *testing.T) {
	c := New()
	c.OnDisconnected()
	e, claim := entry("chan-1")
	c.Enqueue(e, claim)
	c.OnConnected()

	result := c.Drain(context.Background(), func(ctx context.Context, e VerificationQueueEntry) (bool, error) {
		return false, errors.New("settlement unavailable")
	})
	require.Equal(t, 1, result.Errored)
	require.Equal(t, 0, c.QueueLen())
}

func TestDrainProcessesMoreThanOneBatch(t *testing.T) {
	c := New()
	c.OnDisconnected()
	for i := 0; i < 250; i++ {
		e, claim := entry("chan")
		c.Enqueue(e, claim)
	}
	c.OnConnected()

	result := c.Drain(context.Background(), func(ctx context.Context, e VerificationQueueEntry) (bool, error) {
		return true, nil
	})
	require.Equal(t, 250, result.Valid)
	require.Equal(t, 0, c.QueueLen())
}

func TestDisconnectMidDrainReentersDegradedAndStops(t *testing.T) {
	c := New()
	c.OnDisconnected()
	for i := 0; i < 150; i++ {
		e, claim := entry("chan")
		c.Enqueue(e, claim)
	}
	c.OnConnected()

	var result DrainResult
	done := make(chan struct{})
	go func() {
		result = c.Drain(context.Background(), func(ctx context.Context, e VerificationQueueEntry) (bool, error) {
			time.Sleep(5 * time.Millisecond)
			return true, nil
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.OnDisconnected()
	<-done

	require.True(t, c.Degraded())
	require.True(t, result.Interrupted)
}
