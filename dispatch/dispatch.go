// Package dispatch implements the handler registry and dispatcher: a typed
// `map[MessageType]Handler` dispatch table in place of a class hierarchy or
// reflection, matching the pack's method-keyed RPC dispatch shape.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/payment"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

// ErrDuplicateHandler is returned by Register when a handler is already
// registered for the given message type.
var ErrDuplicateHandler = errors.New("dispatch: handler already registered for type")

// ErrHandlerNotFound is returned by Route when no handler is registered for
// a packet's message type; this is a fatal dispatch error.
var ErrHandlerNotFound = errors.New("dispatch: no handler registered for type")

// Context carries per-request identity and gating state threaded through the
// dispatcher into a Handler. Sender is the declared peer address used as
// the rate-limit/subscription key; SubID, when set by the transport layer,
// supplies a caller-chosen subscription id for REQ; Claim is set by the
// Pipeline to the parsed payment claim when it routes an EVENT that carries
// one: after verification, or unverified when the sender is free-tier
// eligible or the relay is in degraded mode.
type Context struct {
	Sender        string
	SubID         string
	Claim         *payment.Claim
	Authenticated bool
}

// Handler processes packets of exactly one MessageType. Handlers must not
// block on external I/O beyond what their own logic requires, and must
// never panic on attacker-controlled input.
type Handler interface {
	Type() wire.MessageType
	Handle(ctx context.Context, dctx *Context, packet *wire.Packet) ([]*wire.Packet, error)
}

// Dispatcher routes packets to their registered Handler by message type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[wire.MessageType]Handler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[wire.MessageType]Handler)}
}

// Register stores h keyed by its declared type. Registering a second
// handler for the same type is an error.
func (d *Dispatcher) Register(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[h.Type()]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateHandler, h.Type())
	}
	d.handlers[h.Type()] = h
	return nil
}

// Route dispatches packet to the handler matching its Type. Absence of a
// handler is a fatal dispatch error.
func (d *Dispatcher) Route(ctx context.Context, dctx *Context, packet *wire.Packet) ([]*wire.Packet, error) {
	d.mu.RLock()
	h, ok := d.handlers[packet.Type]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrHandlerNotFound, packet.Type)
	}
	return h.Handle(ctx, dctx, packet)
}
