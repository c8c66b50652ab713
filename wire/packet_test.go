package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildFrame(t *testing.T, msgType byte, payload []byte) []byte {
	t.Helper()
	out := make([]byte, HeaderSize+len(payload))
	out[0] = ProtocolVersion
	out[1] = msgType
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

func validEventPayload() []byte {
	return []byte(`{
		"payment": {"amount":"100","currency":"msat"},
		"nostr": {"id":"a1","pubkey":"b2","created_at":1,"kind":1,"tags":[],"content":"hi","sig":"c3"},
		"metadata": {"timestamp":1,"sender":"g.dassie.alice"}
	}`)
}

func TestDetect(t *testing.T) {
	frame := buildFrame(t, 1, validEventPayload())
	require.True(t, Detect(frame))
	require.False(t, Detect(frame[:3]))
	require.False(t, Detect(append([]byte{0}, frame[1:]...)))

	bad := append([]byte(nil), frame...)
	bad[1] = 9
	require.False(t, Detect(bad))
}

func TestDeserializeEventHappyPath(t *testing.T) {
	frame := buildFrame(t, 1, validEventPayload())
	pkt, err := Deserialize(frame)
	require.NoError(t, err)
	require.Equal(t, MessageEvent, pkt.Type)
	require.Equal(t, "100", pkt.Payment.Amount)
	require.Equal(t, "g.dassie.alice", pkt.Metadata.Sender)
}

func TestRoundTrip(t *testing.T) {
	frame := buildFrame(t, 1, validEventPayload())
	pkt, err := Deserialize(frame)
	require.NoError(t, err)
	out, err := Serialize(pkt)
	require.NoError(t, err)
	require.Equal(t, frame, out)
}

func TestDeserializeRejectsBadVersion(t *testing.T) {
	frame := buildFrame(t, 1, validEventPayload())
	frame[0] = 2
	_, err := Deserialize(frame)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestDeserializeRejectsUnknownType(t *testing.T) {
	frame := buildFrame(t, 9, validEventPayload())
	_, err := Deserialize(frame)
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestDeserializeRejectsLengthMismatch(t *testing.T) {
	frame := buildFrame(t, 1, validEventPayload())
	frame = append(frame, 0x00)
	_, err := Deserialize(frame)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDeserializeRejectsEmptyREQFilters(t *testing.T) {
	payload := []byte(`{"payment":{"amount":"0","currency":"msat"},"nostr":[],"metadata":{"timestamp":1,"sender":"a"}}`)
	frame := buildFrame(t, 2, payload)
	_, err := Deserialize(frame)
	require.ErrorIs(t, err, ErrEmptyFilters)
}

func TestDeserializeRejectsCloseWithoutSubID(t *testing.T) {
	payload := []byte(`{"payment":{"amount":"0","currency":"msat"},"nostr":{},"metadata":{"timestamp":1,"sender":"a"}}`)
	frame := buildFrame(t, 3, payload)
	_, err := Deserialize(frame)
	require.ErrorIs(t, err, ErrMissingSubscription)
}

func TestDeserializeRejectsMalformedUTF8(t *testing.T) {
	payload := append([]byte{0xff, 0xfe, 0xfd}, validEventPayload()...)
	frame := buildFrame(t, 1, payload)
	_, err := Deserialize(frame)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestSerializeRecomputesLengthForNewOutbound(t *testing.T) {
	pkt := NewOutbound(MessageOK, PaymentBlock{}, MetadataBlock{Timestamp: 1, Sender: "relay"}, []byte(`{"eventId":"a1","accepted":true,"message":""}`))
	out, err := Serialize(pkt)
	require.NoError(t, err)
	require.True(t, Detect(out))
	length := binary.BigEndian.Uint16(out[2:4])
	require.Equal(t, int(length), len(out)-HeaderSize)
}
