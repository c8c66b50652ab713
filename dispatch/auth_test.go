package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

func signedAuthEvent(t *testing.T, priv *btcec.PrivateKey, relayURL, challenge string) *nostr.Event {
	t.Helper()
	pub := priv.PubKey()
	xOnly := pub.SerializeCompressed()[1:]
	e := &nostr.Event{
		PubKey:    hex.EncodeToString(xOnly),
		CreatedAt: 1_700_000_000,
		Kind:      22242,
		Tags: []nostr.Tag{
			{"relay", relayURL},
			{"challenge", challenge},
		},
		Content: "",
	}
	id, err := nostr.ComputeID(e)
	require.NoError(t, err)
	e.ID = hex.EncodeToString(id[:])
	sig, err := nostr.Sign(e, priv)
	require.NoError(t, err)
	e.Sig = sig
	return e
}

func TestAuthHandlerAcceptsValidChallengeResponse(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	clock := func() time.Time { return time.Unix(1_700_000_000, 0) }
	auth := NewAuthenticator(priv, "wss://relay.example", []byte("secret"), WithAuthClock(clock))
	sessions := NewSessionStore(clock)
	h := NewAuthHandler(auth, sessions)

	challengePacket := auth.Challenge("peer-a")
	var challengeBody authChallengeBody
	require.NoError(t, json.Unmarshal(challengePacket.Nostr, &challengeBody))

	responder, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := signedAuthEvent(t, responder, "wss://relay.example", challengeBody.Challenge)
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	packets, err := h.Handle(context.Background(), &Context{Sender: "peer-a"}, &wire.Packet{Type: wire.MessageAuth, Nostr: raw})
	require.NoError(t, err)
	require.Len(t, packets, 1)

	var result authResultBody
	require.NoError(t, json.Unmarshal(packets[0].Nostr, &result))
	require.NotEmpty(t, result.Token)
	require.True(t, sessions.Authenticated("peer-a"))
}

func TestAuthHandlerRejectsChallengeMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	clock := func() time.Time { return time.Unix(1_700_000_000, 0) }
	auth := NewAuthenticator(priv, "wss://relay.example", []byte("secret"), WithAuthClock(clock))
	sessions := NewSessionStore(clock)
	h := NewAuthHandler(auth, sessions)

	auth.Challenge("peer-a")

	responder, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := signedAuthEvent(t, responder, "wss://relay.example", "wrong-challenge")
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	packets, err := h.Handle(context.Background(), &Context{Sender: "peer-a"}, &wire.Packet{Type: wire.MessageAuth, Nostr: raw})
	require.NoError(t, err)
	var body noticeBody
	require.NoError(t, json.Unmarshal(packets[0].Nostr, &body))
	require.Equal(t, "invalid: auth challenge mismatch", body.Message)
	require.False(t, sessions.Authenticated("peer-a"))
}

func TestAuthHandlerRejectsRelayMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	clock := func() time.Time { return time.Unix(1_700_000_000, 0) }
	auth := NewAuthenticator(priv, "wss://relay.example", []byte("secret"), WithAuthClock(clock))
	sessions := NewSessionStore(clock)
	h := NewAuthHandler(auth, sessions)

	challengePacket := auth.Challenge("peer-a")
	var challengeBody authChallengeBody
	require.NoError(t, json.Unmarshal(challengePacket.Nostr, &challengeBody))

	responder, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := signedAuthEvent(t, responder, "wss://wrong.example", challengeBody.Challenge)
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	packets, err := h.Handle(context.Background(), &Context{Sender: "peer-a"}, &wire.Packet{Type: wire.MessageAuth, Nostr: raw})
	require.NoError(t, err)
	var body noticeBody
	require.NoError(t, json.Unmarshal(packets[0].Nostr, &body))
	require.Equal(t, "invalid: auth relay mismatch", body.Message)
}

func TestSessionStoreExpiresEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	sessions := NewSessionStore(clock)
	sessions.Put("peer-a", now.Add(time.Second))
	require.True(t, sessions.Authenticated("peer-a"))

	now = now.Add(2 * time.Second)
	require.False(t, sessions.Authenticated("peer-a"))
}
