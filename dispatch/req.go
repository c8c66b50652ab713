package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/store"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/subscription"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

const defaultSubscriptionTTL = time.Hour

// ReqHandler implements the REQ handler: validate filters, register the
// subscription, then deliver the matching backlog followed by EOSE.
type ReqHandler struct {
	registry *subscription.Registry
	store    store.EventStore

	ttl   time.Duration
	idGen func() string
	now   func() time.Time
}

// ReqOption configures a ReqHandler.
type ReqOption func(*ReqHandler)

// WithSubscriptionTTL overrides the default 1h subscription lifetime
// registered for a REQ that does not itself carry an expiry.
func WithSubscriptionTTL(d time.Duration) ReqOption {
	return func(h *ReqHandler) {
		if d > 0 {
			h.ttl = d
		}
	}
}

// WithSubIDGenerator overrides the process-unique subscription id generator
// used when the caller supplies none via Context.SubID.
func WithSubIDGenerator(f func() string) ReqOption {
	return func(h *ReqHandler) { h.idGen = f }
}

// WithReqClock overrides the time source used to stamp responses.
func WithReqClock(now func() time.Time) ReqOption {
	return func(h *ReqHandler) { h.now = now }
}

// NewReqHandler constructs a ReqHandler.
func NewReqHandler(registry *subscription.Registry, s store.EventStore, opts ...ReqOption) *ReqHandler {
	h := &ReqHandler{
		registry: registry,
		store:    s,
		ttl:      defaultSubscriptionTTL,
		idGen:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Type implements Handler.
func (h *ReqHandler) Type() wire.MessageType { return wire.MessageReq }

// Handle implements Handler.
func (h *ReqHandler) Handle(_ context.Context, dctx *Context, packet *wire.Packet) ([]*wire.Packet, error) {
	var filters []*nostr.Filter
	if err := json.Unmarshal(packet.Nostr, &filters); err != nil || len(filters) == 0 {
		return []*wire.Packet{noticePacket(h.now(), "invalid: REQ requires at least one filter")}, nil
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return []*wire.Packet{noticePacket(h.now(), "invalid: "+err.Error())}, nil
		}
	}

	subID := dctx.SubID
	if subID == "" {
		subID = h.idGen()
	}
	if err := h.registry.Register(subID, dctx.Sender, filters, h.ttl); err != nil {
		return []*wire.Packet{noticePacket(h.now(), "invalid: "+err.Error())}, nil
	}

	events, err := h.store.Query(filters)
	if err != nil {
		return []*wire.Packet{noticePacket(h.now(), "error: "+err.Error())}, nil
	}

	packets := make([]*wire.Packet, 0, len(events)+1)
	for _, e := range events {
		packets = append(packets, eventDeliveryPacket(h.now(), subID, e))
	}
	packets = append(packets, eosePacket(h.now(), subID))
	return packets, nil
}
