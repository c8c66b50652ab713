package dispatch

import (
	"encoding/json"
	"time"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

type okBody struct {
	EventID  string `json:"eventId"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

type noticeBody struct {
	Message string `json:"message"`
}

type eoseBody struct {
	SubID string `json:"subId"`
}

type eventDeliveryBody struct {
	SubID string      `json:"subId"`
	Event *nostr.Event `json:"event"`
}

func responseMetadata(now time.Time) wire.MetadataBlock {
	return wire.MetadataBlock{Timestamp: now.Unix(), Sender: "relay"}
}

func okPacket(now time.Time, eventID string, accepted bool, message string) *wire.Packet {
	raw, _ := json.Marshal(okBody{EventID: eventID, Accepted: accepted, Message: message})
	return wire.NewOutbound(wire.MessageOK, wire.PaymentBlock{}, responseMetadata(now), raw)
}

func noticePacket(now time.Time, message string) *wire.Packet {
	raw, _ := json.Marshal(noticeBody{Message: message})
	return wire.NewOutbound(wire.MessageNotice, wire.PaymentBlock{}, responseMetadata(now), raw)
}

func eosePacket(now time.Time, subID string) *wire.Packet {
	raw, _ := json.Marshal(eoseBody{SubID: subID})
	return wire.NewOutbound(wire.MessageEOSE, wire.PaymentBlock{}, responseMetadata(now), raw)
}

func eventDeliveryPacket(now time.Time, subID string, e *nostr.Event) *wire.Packet {
	raw, _ := json.Marshal(eventDeliveryBody{SubID: subID, Event: e})
	return wire.NewOutbound(wire.MessageEvent, wire.PaymentBlock{}, responseMetadata(now), raw)
}
