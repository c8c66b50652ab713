package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

// errConnGone is returned by Send when the subscriber's connection has
// already been deregistered (closed or never registered).
var errConnGone = errors.New("fanout: subscriber has no live connection")

// eventDeliveryBody mirrors dispatch's wire shape for an EVENT delivery
// packet: {subId, event}, so clients parse fan-out deliveries identically
// to ones a REQ handler sends directly.
type eventDeliveryBody struct {
	SubID string       `json:"subId"`
	Event *nostr.Event `json:"event"`
}

// WSSender fans deliveries out over the live WebSocket connections that
// registered subscriptions belong to, serializing each as an outbound
// framed EVENT packet. Connections register and deregister themselves as
// peers connect and disconnect.
type WSSender struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewWSSender constructs an empty connection registry.
func NewWSSender() *WSSender {
	return &WSSender{conns: make(map[string]*websocket.Conn)}
}

// Register associates subscriber with its live connection.
func (s *WSSender) Register(subscriber string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[subscriber] = conn
}

// Deregister drops a subscriber's connection once it closes.
func (s *WSSender) Deregister(subscriber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, subscriber)
}

// Send implements Sender by writing d as a framed EVENT packet to
// subscriber's live connection, if still present.
func (s *WSSender) Send(ctx context.Context, d Delivery) error {
	s.mu.RLock()
	conn := s.conns[d.Subscriber]
	s.mu.RUnlock()
	if conn == nil {
		return errConnGone
	}

	raw, err := json.Marshal(eventDeliveryBody{SubID: d.SubID, Event: d.Event})
	if err != nil {
		return err
	}
	packet := wire.NewOutbound(wire.MessageEvent, wire.PaymentBlock{}, wire.MetadataBlock{
		Timestamp: time.Now().Unix(),
		Sender:    "relay",
	}, raw)

	body, err := wire.Serialize(packet)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, body)
}
