// Package crypto implements the relay's own identity keypair: a
// schnorr-capable secp256k1 key used only to sign relay-authored
// informational events and AUTH challenges, never to impersonate a client
// pubkey.
package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// PrivateKey wraps the relay identity's secp256k1 scalar.
type PrivateKey struct {
	*btcec.PrivateKey
}

// PublicKey wraps the corresponding public point.
type PublicKey struct {
	*btcec.PublicKey
}

// GeneratePrivateKey creates a fresh relay identity key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar, the form persisted by the keystore.
func (k *PrivateKey) Bytes() []byte {
	return k.Serialize()
}

// PubKey returns the corresponding public key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{k.PrivateKey.PubKey()}
}

// XOnlyHex returns the BIP-340 x-only public key as used in Nostr pubkey
// fields (hex-encoded, 32 bytes).
func (k *PublicKey) XOnlyHex() string {
	compressed := k.SerializeCompressed()
	return hex.EncodeToString(compressed[1:])
}

// PrivateKeyFromBytes parses a 32-byte scalar into a relay identity key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: private key must be 32 bytes, got %d", len(b))
	}
	key := btcec.PrivKeyFromBytes(b)
	return &PrivateKey{key}, nil
}

// SignSchnorr produces a hex-encoded BIP-340 signature over a 32-byte
// message digest using the relay identity key.
func (k *PrivateKey) SignSchnorr(digest [32]byte) (string, error) {
	sig, err := schnorr.Sign(k.PrivateKey, digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}
