// Package payment implements the pure payment-claim tag parser and a
// memoized verification cache for settlement round trips.
package payment

import (
	"errors"
	"strconv"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
)

// Currency is one of the settlement-supported claim currencies.
type Currency string

const (
	CurrencyBTC  Currency = "BTC"
	CurrencyBASE Currency = "BASE"
	CurrencyAKT  Currency = "AKT"
	CurrencyXRP  Currency = "XRP"
)

// MaxIntField is the largest value accepted for amount_sats/nonce, matching
// the spec's 2^53-1 safe-integer ceiling.
const MaxIntField = (int64(1) << 53) - 1

var (
	ErrNoPaymentTag       = errors.New("payment: no ilp payment tag present")
	ErrMalformedTag       = errors.New("payment: malformed payment tag shape")
	ErrInvalidChannelID   = errors.New("payment: channel_id must be 1..256 bytes")
	ErrInvalidAmount      = errors.New("payment: amount_sats must be a positive integer <= 2^53-1")
	ErrInvalidNonce       = errors.New("payment: nonce must be a non-negative integer <= 2^53-1")
	ErrInvalidSignature   = errors.New("payment: signature must be hex, length >= 20, no 0x prefix")
	ErrInvalidCurrency    = errors.New("payment: currency must be one of BTC, BASE, AKT, XRP")
)

// Claim is a syntactically-validated payment claim extracted from an event tag.
type Claim struct {
	ChannelID string
	AmountSat int64
	Nonce     int64
	Signature string
	Currency  Currency
}

var validCurrencies = map[Currency]struct{}{
	CurrencyBTC:  {},
	CurrencyBASE: {},
	CurrencyAKT:  {},
	CurrencyXRP:  {},
}

// Parse scans e's tags for the first `["payment","ilp",channel_id,amount,nonce,signature,currency,...]`
// tag and returns a syntactically-valid Claim. It performs no I/O. When no
// such tag is present (or e is nil) it returns ErrNoPaymentTag; any other
// error means a payment tag was present but malformed.
func Parse(e *nostr.Event) (*Claim, error) {
	if e == nil {
		return nil, ErrNoPaymentTag
	}
	for _, tag := range e.Tags {
		if len(tag) < 7 {
			continue
		}
		if tag[0] != "payment" || tag[1] != "ilp" {
			continue
		}
		return parseFields(tag[2], tag[3], tag[4], tag[5], tag[6])
	}
	return nil, ErrNoPaymentTag
}

func parseFields(channelID, amountStr, nonceStr, signature, currencyStr string) (*Claim, error) {
	if len(channelID) < 1 || len(channelID) > 256 {
		return nil, ErrInvalidChannelID
	}

	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil || amount <= 0 || amount > MaxIntField {
		return nil, ErrInvalidAmount
	}

	nonce, err := strconv.ParseInt(nonceStr, 10, 64)
	if err != nil || nonce < 0 || nonce > MaxIntField {
		return nil, ErrInvalidNonce
	}

	if len(signature) < 20 || hasHexPrefix(signature) || !isHex(signature) {
		return nil, ErrInvalidSignature
	}

	currency := Currency(currencyStr)
	if _, ok := validCurrencies[currency]; !ok {
		return nil, ErrInvalidCurrency
	}

	return &Claim{
		ChannelID: channelID,
		AmountSat: amount,
		Nonce:     nonce,
		Signature: signature,
		Currency:  currency,
	}, nil
}

func hasHexPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
