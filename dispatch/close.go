package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/subscription"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

// CloseHandler implements the CLOSE handler: unregister the subscription
// and always acknowledge with EOSE, idempotently.
type CloseHandler struct {
	registry *subscription.Registry
	now      func() time.Time
}

// CloseOption configures a CloseHandler.
type CloseOption func(*CloseHandler)

// WithCloseClock overrides the time source used to stamp responses.
func WithCloseClock(now func() time.Time) CloseOption {
	return func(h *CloseHandler) { h.now = now }
}

// NewCloseHandler constructs a CloseHandler.
func NewCloseHandler(registry *subscription.Registry, opts ...CloseOption) *CloseHandler {
	h := &CloseHandler{registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Type implements Handler.
func (h *CloseHandler) Type() wire.MessageType { return wire.MessageClose }

// Handle implements Handler.
func (h *CloseHandler) Handle(_ context.Context, dctx *Context, packet *wire.Packet) ([]*wire.Packet, error) {
	var body struct {
		SubID string `json:"subId"`
	}
	if err := json.Unmarshal(packet.Nostr, &body); err != nil || body.SubID == "" {
		return []*wire.Packet{noticePacket(h.now(), "invalid: CLOSE requires subId")}, nil
	}

	h.registry.Unregister(body.SubID, dctx.Sender)
	return []*wire.Packet{eosePacket(h.now(), body.SubID)}, nil
}
