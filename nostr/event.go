// Package nostr defines the constrained Nostr event/filter data model this
// relay understands and the schnorr-based verification of event signatures.
package nostr

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Tag is one ordered sequence of strings; Tag[0] is the tag name.
type Tag []string

// Name returns the tag's first element, or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Event is the content-addressed, immutable Nostr event this relay accepts.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int32  `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// canonicalArray mirrors NIP-01's canonical serialization array shape:
// [0, pubkey, created_at, kind, tags, content].
type canonicalArray struct {
	zero      int
	pubkey    string
	createdAt int64
	kind      int32
	tags      []Tag
	content   string
}

// MarshalJSON encodes the array with HTML-escaping disabled: the stdlib
// encoder's default escaping of '<', '>', '&' would otherwise change the
// byte sequence a client signed, breaking signature verification for any
// event whose content or tags contain those characters.
func (c canonicalArray) MarshalJSON() ([]byte, error) {
	tags := c.tags
	if tags == nil {
		tags = []Tag{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]interface{}{c.zero, c.pubkey, c.createdAt, c.kind, tags, c.content}); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalSerialization returns the exact bytes `id` is the SHA-256 of.
// It calls canonicalArray's MarshalJSON directly rather than going through
// json.Marshal, since json.Marshal re-escapes '<','>','&' in a type's own
// MarshalJSON output when compacting it, undoing SetEscapeHTML(false).
func (e *Event) CanonicalSerialization() ([]byte, error) {
	arr := canonicalArray{
		zero:      0,
		pubkey:    e.PubKey,
		createdAt: e.CreatedAt,
		kind:      e.Kind,
		tags:      e.Tags,
		content:   e.Content,
	}
	return arr.MarshalJSON()
}

// FirstTag returns the first tag whose name matches, and whether one was found.
func (e *Event) FirstTag(name string) (Tag, bool) {
	for _, tag := range e.Tags {
		if tag.Name() == name {
			return tag, true
		}
	}
	return nil, false
}

// ExpirationUnix returns the parsed `expiration` tag value, if present and valid.
func (e *Event) ExpirationUnix() (int64, bool) {
	tag, ok := e.FirstTag("expiration")
	if !ok || len(tag) < 2 {
		return 0, false
	}
	var ts int64
	if _, err := fmt.Sscanf(tag[1], "%d", &ts); err != nil {
		return 0, false
	}
	return ts, true
}

// IDBytes decodes the hex event id into 32 raw bytes.
func (e *Event) IDBytes() ([]byte, error) {
	return decodeFixedHex(e.ID, 32, "id")
}

// PubKeyBytes decodes the hex pubkey into 32 raw bytes (x-only, BIP-340 style).
func (e *Event) PubKeyBytes() ([]byte, error) {
	return decodeFixedHex(e.PubKey, 32, "pubkey")
}

// SigBytes decodes the hex signature into 64 raw bytes.
func (e *Event) SigBytes() ([]byte, error) {
	return decodeFixedHex(e.Sig, 64, "sig")
}

func decodeFixedHex(s string, n int, field string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("nostr: invalid %s hex: %w", field, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("nostr: %s must be %d bytes, got %d", field, n, len(b))
	}
	return b, nil
}
