// Package wire implements the BTP-NIPs binary packet framing: a 4-byte
// header followed by a JSON payload carrying a payment claim alongside
// a Nostr message.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MessageType enumerates the wire message kinds carried in the packet header.
type MessageType byte

const (
	MessageEvent  MessageType = 0x01
	MessageReq    MessageType = 0x02
	MessageClose  MessageType = 0x03
	MessageNotice MessageType = 0x04
	MessageEOSE   MessageType = 0x05
	MessageOK     MessageType = 0x06
	MessageAuth   MessageType = 0x07
)

// ProtocolVersion is the only header version this codec accepts.
const ProtocolVersion = 1

// HeaderSize is the fixed length of the packet header in bytes.
const HeaderSize = 4

// MaxPayloadLength is the largest payload a uint16 length prefix can address.
const MaxPayloadLength = 65535

// Errors returned by deserialize. Handlers switch on these, not on message text.
var (
	ErrTooShort            = errors.New("wire: packet shorter than header")
	ErrBadVersion          = errors.New("wire: unsupported protocol version")
	ErrInvalidMessageType  = errors.New("wire: invalid message type")
	ErrLengthMismatch      = errors.New("wire: payload length mismatch")
	ErrMalformedPayload    = errors.New("wire: malformed utf-8 payload")
	ErrMalformedJSON       = errors.New("wire: payload is not valid json")
	ErrMissingPayment      = errors.New("wire: payload missing payment block")
	ErrMissingMetadata     = errors.New("wire: payload missing metadata block")
	ErrMissingNostr        = errors.New("wire: payload missing nostr block")
	ErrEmptyFilters        = errors.New("wire: REQ payload requires at least one filter")
	ErrMissingSubscription = errors.New("wire: CLOSE payload requires subId")
)

// PaymentBlock is the inline payment metadata carried by every packet.
type PaymentBlock struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Purpose  string `json:"purpose,omitempty"`
}

// MetadataBlock carries sender/timestamp bookkeeping for the packet.
type MetadataBlock struct {
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	TTL       *int64 `json:"ttl,omitempty"`
}

// Packet is a fully decoded BTP-NIPs message.
type Packet struct {
	Version       byte
	Type          MessageType
	Payment       PaymentBlock
	Metadata      MetadataBlock
	Nostr         json.RawMessage
	rawPayload    []byte // preserved verbatim so serialize can round-trip byte-for-byte
	rawPayloadSet bool
}

// rawEnvelope mirrors the on-wire payload shape for marshal/unmarshal.
type rawEnvelope struct {
	Payment  json.RawMessage `json:"payment"`
	Nostr    json.RawMessage `json:"nostr"`
	Metadata json.RawMessage `json:"metadata"`
}

// Detect reports whether b begins a well-formed packet header: version 1,
// a message type in [1,7], and a length prefix matching len(b).
func Detect(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	if b[0] != ProtocolVersion {
		return false
	}
	if b[1] < 1 || b[1] > 7 {
		return false
	}
	length := binary.BigEndian.Uint16(b[2:4])
	return len(b) == HeaderSize+int(length)
}

// Deserialize parses a framed packet, validating the header and the
// mandatory payload shape: a payment block, a metadata block, and a nostr
// block, each present regardless of message type.
func Deserialize(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, ErrTooShort
	}
	if b[0] != ProtocolVersion {
		return nil, ErrBadVersion
	}
	msgType := MessageType(b[1])
	if msgType < MessageEvent || msgType > MessageAuth {
		return nil, ErrInvalidMessageType
	}
	length := binary.BigEndian.Uint16(b[2:4])
	if len(b) != HeaderSize+int(length) {
		return nil, ErrLengthMismatch
	}
	payload := b[HeaderSize:]
	if !utf8.Valid(payload) {
		return nil, ErrMalformedPayload
	}

	var env rawEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if len(env.Payment) == 0 {
		return nil, ErrMissingPayment
	}
	if len(env.Metadata) == 0 {
		return nil, ErrMissingMetadata
	}
	if len(env.Nostr) == 0 {
		return nil, ErrMissingNostr
	}

	var payment PaymentBlock
	if err := json.Unmarshal(env.Payment, &payment); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	var metadata MetadataBlock
	if err := json.Unmarshal(env.Metadata, &metadata); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	if err := validateTypeShape(msgType, env.Nostr); err != nil {
		return nil, err
	}

	return &Packet{
		Version:       b[0],
		Type:          msgType,
		Payment:       payment,
		Metadata:      metadata,
		Nostr:         append(json.RawMessage(nil), env.Nostr...),
		rawPayload:    append([]byte(nil), payload...),
		rawPayloadSet: true,
	}, nil
}

func validateTypeShape(t MessageType, nostr json.RawMessage) error {
	switch t {
	case MessageReq:
		var filters []json.RawMessage
		if err := json.Unmarshal(nostr, &filters); err != nil {
			return fmt.Errorf("%w: REQ nostr field must be an array of filters: %v", ErrMalformedJSON, err)
		}
		if len(filters) == 0 {
			return ErrEmptyFilters
		}
	case MessageClose:
		var body struct {
			SubID string `json:"subId"`
		}
		if err := json.Unmarshal(nostr, &body); err != nil {
			return fmt.Errorf("%w: CLOSE nostr field malformed: %v", ErrMalformedJSON, err)
		}
		if body.SubID == "" {
			return ErrMissingSubscription
		}
	case MessageEvent:
		var body map[string]json.RawMessage
		if err := json.Unmarshal(nostr, &body); err != nil {
			return fmt.Errorf("%w: EVENT nostr field must be an object: %v", ErrMalformedJSON, err)
		}
	default:
		// NOTICE, EOSE, OK, AUTH: nostr field shape is response-direction only
		// and is not validated further on ingress.
	}
	return nil
}

// Serialize re-encodes a packet, always recomputing the length prefix. When
// the packet was produced by Deserialize and has not been mutated, the
// original payload bytes are reused so serialize(deserialize(b)) == b.
func Serialize(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("wire: nil packet")
	}
	var payload []byte
	if p.rawPayloadSet {
		payload = p.rawPayload
	} else {
		paymentJSON, err := json.Marshal(p.Payment)
		if err != nil {
			return nil, err
		}
		metadataJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, err
		}
		env := rawEnvelope{
			Payment:  paymentJSON,
			Nostr:    p.Nostr,
			Metadata: metadataJSON,
		}
		payload, err = json.Marshal(env)
		if err != nil {
			return nil, err
		}
	}
	if len(payload) > MaxPayloadLength {
		return nil, fmt.Errorf("wire: payload length %d exceeds max %d", len(payload), MaxPayloadLength)
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = ProtocolVersion
	out[1] = byte(p.Type)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// NewOutbound constructs a Packet for an outbound (relay-authored) response,
// recomputing the payload on Serialize rather than reusing a captured frame.
func NewOutbound(t MessageType, payment PaymentBlock, metadata MetadataBlock, nostr json.RawMessage) *Packet {
	return &Packet{
		Version:  ProtocolVersion,
		Type:     t,
		Payment:  payment,
		Metadata: metadata,
		Nostr:    nostr,
	}
}
