package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/fanout"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/store"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

// EventHandler implements the EVENT handler: verify, dedupe, store, ack,
// then hand the accepted event to the fan-out scheduler.
type EventHandler struct {
	store     store.EventStore
	scheduler *fanout.Scheduler

	verifyEnabled bool
	verify        func(*nostr.Event) bool
	now           func() time.Time
}

// EventOption configures an EventHandler.
type EventOption func(*EventHandler)

// WithSignatureVerification toggles step 2's verification gate; disabling it
// is intended only for non-production testing environments.
func WithSignatureVerification(enabled bool) EventOption {
	return func(h *EventHandler) { h.verifyEnabled = enabled }
}

// WithVerifyFunc overrides the verification function (nostr.Verify by
// default), primarily for tests.
func WithVerifyFunc(f func(*nostr.Event) bool) EventOption {
	return func(h *EventHandler) { h.verify = f }
}

// WithEventClock overrides the time source used to stamp responses.
func WithEventClock(now func() time.Time) EventOption {
	return func(h *EventHandler) { h.now = now }
}

// NewEventHandler constructs an EventHandler. Fan-out is best-effort: sched
// may be nil, in which case accepted events are stored but not delivered to
// live subscribers (used in tests that exercise storage alone).
func NewEventHandler(s store.EventStore, sched *fanout.Scheduler, opts ...EventOption) *EventHandler {
	h := &EventHandler{
		store:         s,
		scheduler:     sched,
		verifyEnabled: true,
		verify:        nostr.Verify,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Type implements Handler.
func (h *EventHandler) Type() wire.MessageType { return wire.MessageEvent }

// Handle implements Handler.
func (h *EventHandler) Handle(_ context.Context, dctx *Context, packet *wire.Packet) ([]*wire.Packet, error) {
	var e nostr.Event
	if err := json.Unmarshal(packet.Nostr, &e); err != nil {
		return []*wire.Packet{okPacket(h.now(), "", false, "invalid: malformed event")}, nil
	}

	if h.verifyEnabled && !h.verify(&e) {
		return []*wire.Packet{okPacket(h.now(), e.ID, false, "invalid: signature verification failed")}, nil
	}

	exists, err := h.store.Exists(e.ID)
	if err != nil {
		return []*wire.Packet{okPacket(h.now(), e.ID, false, "error: "+err.Error())}, nil
	}
	if exists {
		return []*wire.Packet{okPacket(h.now(), e.ID, false, "duplicate: event already exists")}, nil
	}

	outcome, err := h.store.Store(&e, dctx.Sender)
	if err != nil {
		return []*wire.Packet{okPacket(h.now(), e.ID, false, "error: "+err.Error())}, nil
	}
	if outcome == store.Duplicate {
		return []*wire.Packet{okPacket(h.now(), e.ID, false, "duplicate: event already exists")}, nil
	}

	if h.scheduler != nil {
		h.scheduler.Publish(&e)
	}

	return []*wire.Packet{okPacket(h.now(), e.ID, true, "")}, nil
}
