package nostr

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// ComputeID returns the 32-byte SHA-256 of the event's canonical serialization.
func ComputeID(e *Event) ([32]byte, error) {
	var out [32]byte
	canon, err := e.CanonicalSerialization()
	if err != nil {
		return out, err
	}
	out = sha256.Sum256(canon)
	return out, nil
}

// Verify reports whether e.ID matches ComputeID(e) and e.Sig is a valid
// BIP-340 schnorr signature over the event id by e.PubKey. All failures
// (malformed hex, wrong length, signature mismatch) are observed as false;
// Verify never returns an error or panics on attacker-controlled input.
func Verify(e *Event) bool {
	if e == nil {
		return false
	}
	computed, err := ComputeID(e)
	if err != nil {
		return false
	}
	idBytes, err := e.IDBytes()
	if err != nil {
		return false
	}
	if [32]byte(idBytes) != computed {
		return false
	}

	pubKeyBytes, err := e.PubKeyBytes()
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	sigBytes, err := e.SigBytes()
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	return sig.Verify(computed[:], pubKey)
}

// Sign produces a hex-encoded schnorr signature over the event id using the
// supplied private key. Used only by the relay's own identity, never to
// sign on behalf of a client pubkey.
func Sign(e *Event, priv *btcec.PrivateKey) (string, error) {
	id, err := ComputeID(e)
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(priv, id[:])
	if err != nil {
		return "", err
	}
	return hexEncode(sig.Serialize()), nil
}
