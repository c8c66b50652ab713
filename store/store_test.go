package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := OpenSQLite(dsn)
	require.NoError(t, err)
	return New(db, WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
}

func sampleEvent(id string, kind int32, createdAt int64, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    "pub1",
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   "hello",
		Sig:       "sig",
	}
}

func TestStoreInsertsNewEvent(t *testing.T) {
	s := newTestStore(t)
	outcome, err := s.Store(sampleEvent("id1", 1, 100), "peer-a")
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)
}

func TestStoreDuplicateIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	e := sampleEvent("id1", 1, 100)
	_, err := s.Store(e, "peer-a")
	require.NoError(t, err)

	outcome, err := s.Store(e, "peer-a")
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
}

func TestExistsAndGet(t *testing.T) {
	s := newTestStore(t)
	e := sampleEvent("id1", 1, 100)
	_, err := s.Store(e, "peer-a")
	require.NoError(t, err)

	exists, err := s.Exists("id1")
	require.NoError(t, err)
	require.True(t, exists)

	got, err := s.Get("id1")
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, e.Content, got.Content)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsSoftAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Store(sampleEvent("id1", 1, 100), "peer-a")
	require.NoError(t, err)

	deleted, err := s.Delete("id1")
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = s.Get("id1")
	require.ErrorIs(t, err, ErrNotFound)

	deletedAgain, err := s.Delete("id1")
	require.NoError(t, err)
	require.False(t, deletedAgain, "deleting an already-deleted event reports no row changed")

	deletedAbsent, err := s.Delete("never-existed")
	require.NoError(t, err)
	require.False(t, deletedAbsent)
}

func TestGetExcludesExpiredEvents(t *testing.T) {
	s := newTestStore(t)
	e := sampleEvent("id1", 1, 100, nostr.Tag{"expiration", "1600000000"})
	_, err := s.Store(e, "peer-a")
	require.NoError(t, err)

	_, err = s.Get("id1")
	require.ErrorIs(t, err, ErrNotFound, "expiration in the past should hide the event")
}

func TestQueryOrdersByCreatedAtDescIDAsc(t *testing.T) {
	s := newTestStore(t)
	for _, e := range []*nostr.Event{
		sampleEvent("c", 1, 100),
		sampleEvent("a", 1, 200),
		sampleEvent("b", 1, 200),
	} {
		_, err := s.Store(e, "peer-a")
		require.NoError(t, err)
	}

	events, err := s.Query(nil)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{events[0].ID, events[1].ID, events[2].ID})
}

func TestQueryAppliesFilterIntersection(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Store(sampleEvent("id1", 1, 100, nostr.Tag{"e", "root"}), "peer-a")
	_, _ = s.Store(sampleEvent("id2", 2, 100), "peer-a")

	events, err := s.Query([]*nostr.Filter{{Kinds: []int32{1}, Tags: map[string][]string{"e": {"root"}}}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "id1", events[0].ID)
}

func TestQueryUnionsAcrossFilters(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Store(sampleEvent("id1", 1, 100), "peer-a")
	_, _ = s.Store(sampleEvent("id2", 2, 100), "peer-a")

	events, err := s.Query([]*nostr.Filter{{Kinds: []int32{1}}, {Kinds: []int32{2}}})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestQueryAppliesSmallestLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, _ = s.Store(sampleEvent(fmt.Sprintf("id%d", i), 1, int64(100+i)), "peer-a")
	}
	limit := 2
	events, err := s.Query([]*nostr.Filter{{Kinds: []int32{1}, Limit: &limit}})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestQueryExcludesDeletedAndExpired(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Store(sampleEvent("id1", 1, 100), "peer-a")
	_, _ = s.Store(sampleEvent("id2", 1, 100, nostr.Tag{"expiration", "1"}), "peer-a")
	_, err := s.Delete("id1")
	require.NoError(t, err)

	events, err := s.Query(nil)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestCountAndCountByKind(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Store(sampleEvent("id1", 1, 100), "peer-a")
	_, _ = s.Store(sampleEvent("id2", 2, 100), "peer-a")
	_, _ = s.Store(sampleEvent("id3", 1, 100), "peer-a")

	total, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, int64(3), total)

	byKind, err := s.CountByKind(1)
	require.NoError(t, err)
	require.Equal(t, int64(2), byKind)
}

func TestConcurrentStoreOfSameIDConvergesToOneRow(t *testing.T) {
	s := newTestStore(t)
	e := sampleEvent("id1", 1, 100)

	done := make(chan StoreOutcome, 10)
	for i := 0; i < 10; i++ {
		go func() {
			outcome, err := s.Store(e, "peer-a")
			require.NoError(t, err)
			done <- outcome
		}()
	}
	inserted := 0
	for i := 0; i < 10; i++ {
		if <-done == Inserted {
			inserted++
		}
	}
	require.Equal(t, 1, inserted)

	total, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
}
