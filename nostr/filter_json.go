package nostr

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	errInvalidLimit    = errors.New("nostr: limit must be between 0 and 5000")
	errInvalidSince    = errors.New("nostr: since must be non-negative")
	errInvalidUntil    = errors.New("nostr: until must be non-negative")
	errSinceAfterUntil = errors.New("nostr: since must not be after until")
)

// filterWire mirrors Filter's standard fields; tag filters (`#x`) are parsed
// separately since Go's json package cannot map prefix-matched keys to a
// struct field automatically.
type filterWire struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int32  `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// UnmarshalJSON decodes a filter object, pulling any `#<tagname>` key into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var wire filterWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	tags := map[string][]string{}
	for key, value := range raw {
		if !strings.HasPrefix(key, "#") || len(key) < 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return err
		}
		tags[key[1:]] = values
	}

	f.IDs = wire.IDs
	f.Authors = wire.Authors
	f.Kinds = wire.Kinds
	f.Since = wire.Since
	f.Until = wire.Until
	f.Limit = wire.Limit
	if len(tags) > 0 {
		f.Tags = tags
	}
	return nil
}

// MarshalJSON re-encodes a filter, flattening Tags back into `#<tagname>` keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit != nil {
		out["limit"] = *f.Limit
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	return json.Marshal(out)
}
