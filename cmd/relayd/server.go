package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/dispatch"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/fanout"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/subscription"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

// relayServer accepts BTP-NIPs WebSocket connections and runs each through
// the dispatch pipeline. One goroutine per connection reads framed packets
// and writes back whatever the pipeline returns, following the teacher's
// network.Client per-peer read-loop shape.
type relayServer struct {
	pipeline *dispatch.Pipeline
	auth     *dispatch.Authenticator
	subs     *subscription.Registry
	sender   *fanout.WSSender
	logger   *slog.Logger
}

func (s *relayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	// sender starts as a connection-scoped placeholder: nothing identifies the
	// peer until its first packet declares Metadata.Sender. Once a packet
	// arrives with a non-empty declared sender, the connection is re-keyed
	// under that address so rate limiting, subscriptions, and fan-out
	// delivery all key off the peer's actual identity rather than a fresh
	// UUID per socket.
	sender := uuid.NewString()
	s.sender.Register(sender, conn)
	s.logger.Info("peer connected", "sender", sender, "remote", r.RemoteAddr)

	defer func() {
		s.sender.Deregister(sender)
		for _, sub := range s.subs.BySubscriber(sender) {
			s.subs.Unregister(sub.SubID, sender)
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
		s.logger.Info("peer disconnected", "sender", sender)
	}()

	ctx := r.Context()

	challenge := s.auth.Challenge(sender)
	if err := writePacket(ctx, conn, challenge); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		packet, err := wire.Deserialize(data)
		if err != nil {
			s.logger.Warn("malformed packet", "sender", sender, "error", err)
			continue
		}

		if declared := packet.Metadata.Sender; declared != "" && declared != sender {
			s.sender.Deregister(sender)
			sender = declared
			s.sender.Register(sender, conn)
		}

		dctx := &dispatch.Context{Sender: sender}
		responses := s.pipeline.Process(ctx, dctx, packet)
		for _, resp := range responses {
			if err := writePacket(ctx, conn, resp); err != nil {
				return
			}
		}
	}
}

func writePacket(ctx context.Context, conn *websocket.Conn, p *wire.Packet) error {
	body, err := wire.Serialize(p)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, body)
}
