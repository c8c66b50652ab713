package payment

import (
	"testing"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/stretchr/testify/require"
)

func eventWithTags(tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{ID: "id", PubKey: "pub", Tags: tags}
}

func TestParseHappyPath(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "chan-1", "1000", "5", "deadbeefdeadbeefdeadbeef", "BTC"})
	claim, err := Parse(e)
	require.NoError(t, err)
	require.Equal(t, "chan-1", claim.ChannelID)
	require.Equal(t, int64(1000), claim.AmountSat)
	require.Equal(t, int64(5), claim.Nonce)
	require.Equal(t, CurrencyBTC, claim.Currency)
}

func TestParseNoPaymentTagReturnsSentinel(t *testing.T) {
	e := eventWithTags(nostr.Tag{"e", "root"})
	claim, err := Parse(e)
	require.Nil(t, claim)
	require.ErrorIs(t, err, ErrNoPaymentTag)
}

func TestParseIgnoresNonIlpPaymentTag(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "other", "x", "1", "0", "deadbeefdeadbeefdeadbeef", "BTC"})
	claim, err := Parse(e)
	require.Nil(t, claim)
	require.ErrorIs(t, err, ErrNoPaymentTag)
}

func TestParseRejectsNonPositiveAmount(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "chan-1", "0", "5", "deadbeefdeadbeefdeadbeef", "BTC"})
	_, err := Parse(e)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestParseRejectsAmountAboveSafeInteger(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "chan-1", "9007199254740993", "5", "deadbeefdeadbeefdeadbeef", "BTC"})
	_, err := Parse(e)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestParseRejectsNegativeNonce(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "chan-1", "100", "-1", "deadbeefdeadbeefdeadbeef", "BTC"})
	_, err := Parse(e)
	require.ErrorIs(t, err, ErrInvalidNonce)
}

func TestParseRejectsShortSignature(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "chan-1", "100", "0", "deadbeef", "BTC"})
	_, err := Parse(e)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseRejects0xPrefixedSignature(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "chan-1", "100", "0", "0xdeadbeefdeadbeefdeadbeef", "BTC"})
	_, err := Parse(e)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseRejectsEmptyChannelID(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "", "100", "0", "deadbeefdeadbeefdeadbeef", "BTC"})
	_, err := Parse(e)
	require.ErrorIs(t, err, ErrInvalidChannelID)
}

func TestParseRejectsUnknownCurrency(t *testing.T) {
	e := eventWithTags(nostr.Tag{"payment", "ilp", "chan-1", "100", "0", "deadbeefdeadbeefdeadbeef", "DOGE"})
	_, err := Parse(e)
	require.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestParseFindsFirstPaymentTagAmongOthers(t *testing.T) {
	e := eventWithTags(
		nostr.Tag{"e", "root"},
		nostr.Tag{"payment", "ilp", "chan-2", "200", "1", "deadbeefdeadbeefdeadbeef", "XRP"},
	)
	claim, err := Parse(e)
	require.NoError(t, err)
	require.Equal(t, "chan-2", claim.ChannelID)
}
