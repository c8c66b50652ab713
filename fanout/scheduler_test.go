package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/subscription"
)

type recordingSender struct {
	mu        sync.Mutex
	deliveries map[string][]Delivery
	failFor    map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{deliveries: make(map[string][]Delivery), failFor: make(map[string]bool)}
}

func (s *recordingSender) Send(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[d.Subscriber] {
		return errors.New("broken stream")
	}
	s.deliveries[d.Subscriber] = append(s.deliveries[d.Subscriber], d)
	return nil
}

func (s *recordingSender) countFor(subscriber string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries[subscriber])
}

func (s *recordingSender) idsFor(subscriber string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.deliveries[subscriber]))
	for i, d := range s.deliveries[subscriber] {
		ids[i] = d.Event.ID
	}
	return ids
}

func matchAllFilter() []*nostr.Filter { return []*nostr.Filter{{}} }

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	reg := subscription.New()
	require.NoError(t, reg.Register("sub1", "peer-a", matchAllFilter(), time.Minute))
	sender := newRecordingSender()
	sched := New(reg, sender)

	sched.Publish(&nostr.Event{ID: "e1", Kind: 1})

	require.Eventually(t, func() bool { return sender.countFor("peer-a") == 1 }, time.Second, time.Millisecond)
}

func TestPublishSkipsNonMatchingSubscriber(t *testing.T) {
	reg := subscription.New()
	k := int32(9)
	require.NoError(t, reg.Register("sub1", "peer-a", []*nostr.Filter{{Kinds: []int32{k}}}, time.Minute))
	sender := newRecordingSender()
	sched := New(reg, sender)

	sched.Publish(&nostr.Event{ID: "e1", Kind: 1})

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, sender.countFor("peer-a"))
}

func TestDeliveriesToSameSubscriberPreserveOrder(t *testing.T) {
	reg := subscription.New()
	require.NoError(t, reg.Register("sub1", "peer-a", matchAllFilter(), time.Minute))
	sender := newRecordingSender()
	sched := New(reg, sender)

	for i := 0; i < 20; i++ {
		sched.Publish(&nostr.Event{ID: string(rune('a' + i)), Kind: 1})
	}

	require.Eventually(t, func() bool { return sender.countFor("peer-a") == 20 }, time.Second, time.Millisecond)
	ids := sender.idsFor("peer-a")
	for i := 0; i < 20; i++ {
		require.Equal(t, string(rune('a'+i)), ids[i])
	}
}

func TestDeliveryFailureDeactivatesSubscription(t *testing.T) {
	reg := subscription.New()
	require.NoError(t, reg.Register("sub1", "peer-a", matchAllFilter(), time.Minute))
	sender := newRecordingSender()
	sender.failFor["peer-a"] = true
	sched := New(reg, sender)

	sched.Publish(&nostr.Event{ID: "e1", Kind: 1})

	require.Eventually(t, func() bool { return len(reg.All()) == 0 }, time.Second, time.Millisecond)
	require.True(t, reg.Has("sub1", "peer-a"), "deactivation doesn't remove the entry until the next sweep")
}

func TestCrossSubscriberDeliveryIsIndependent(t *testing.T) {
	reg := subscription.New()
	require.NoError(t, reg.Register("sub1", "peer-a", matchAllFilter(), time.Minute))
	require.NoError(t, reg.Register("sub1", "peer-b", matchAllFilter(), time.Minute))
	sender := newRecordingSender()
	sched := New(reg, sender)

	sched.Publish(&nostr.Event{ID: "e1", Kind: 1})

	require.Eventually(t, func() bool {
		return sender.countFor("peer-a") == 1 && sender.countFor("peer-b") == 1
	}, time.Second, time.Millisecond)
}
