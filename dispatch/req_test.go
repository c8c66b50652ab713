package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/subscription"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

func reqPacket(t *testing.T, filters []*nostr.Filter) *wire.Packet {
	t.Helper()
	raw, err := json.Marshal(filters)
	require.NoError(t, err)
	return &wire.Packet{Type: wire.MessageReq, Nostr: raw}
}

func TestReqHandlerRejectsEmptyFilters(t *testing.T) {
	h := NewReqHandler(subscription.New(), newFakeStore())
	packets, err := h.Handle(context.Background(), &Context{Sender: "peer-a"}, reqPacket(t, nil))
	require.NoError(t, err)
	require.Len(t, packets, 1)
	var body noticeBody
	require.NoError(t, json.Unmarshal(packets[0].Nostr, &body))
	require.Equal(t, "invalid: REQ requires at least one filter", body.Message)
}

func TestReqHandlerRejectsLimitAboveMax(t *testing.T) {
	h := NewReqHandler(subscription.New(), newFakeStore())
	limit := 10000
	packets, err := h.Handle(context.Background(), &Context{Sender: "peer-a"}, reqPacket(t, []*nostr.Filter{{Limit: &limit}}))
	require.NoError(t, err)
	var body noticeBody
	require.NoError(t, json.Unmarshal(packets[0].Nostr, &body))
	require.Contains(t, body.Message, "invalid:")
}

func TestReqHandlerRegistersSubscriptionAndDeliversBacklog(t *testing.T) {
	reg := subscription.New()
	s := newFakeStore()
	_, err := s.Store(sampleEvent("id1"), "peer-a")
	require.NoError(t, err)

	h := NewReqHandler(reg, s, WithSubIDGenerator(func() string { return "gen1" }))
	packets, err := h.Handle(context.Background(), &Context{Sender: "peer-a"}, reqPacket(t, []*nostr.Filter{{}}))
	require.NoError(t, err)
	require.Len(t, packets, 2) // one EVENT delivery + EOSE

	require.Equal(t, wire.MessageEvent, packets[0].Type)
	require.Equal(t, wire.MessageEOSE, packets[1].Type)

	var eose eoseBody
	require.NoError(t, json.Unmarshal(packets[1].Nostr, &eose))
	require.Equal(t, "gen1", eose.SubID)

	require.True(t, reg.Has("gen1", "peer-a"))
}

func TestReqHandlerUsesCallerSuppliedSubID(t *testing.T) {
	reg := subscription.New()
	h := NewReqHandler(reg, newFakeStore())
	_, err := h.Handle(context.Background(), &Context{Sender: "peer-a", SubID: "s1"}, reqPacket(t, []*nostr.Filter{{}}))
	require.NoError(t, err)
	require.True(t, reg.Has("s1", "peer-a"))
}

func TestReqHandlerEmitsEOSEEvenWithNoBacklog(t *testing.T) {
	h := NewReqHandler(subscription.New(), newFakeStore())
	packets, err := h.Handle(context.Background(), &Context{Sender: "peer-a"}, reqPacket(t, []*nostr.Filter{{}}))
	require.NoError(t, err)
	require.Len(t, packets, 1)
	require.Equal(t, wire.MessageEOSE, packets[0].Type)
}
