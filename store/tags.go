package store

import (
	"encoding/json"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
)

func encodeTags(tags []nostr.Tag) (string, error) {
	if tags == nil {
		tags = []nostr.Tag{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeTags(raw string) ([]nostr.Tag, error) {
	if raw == "" {
		return nil, nil
	}
	var tags []nostr.Tag
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// tagContains reports whether tags contains a tag named tagName whose second
// element is one of values. GormStore.Query does not call it; its tag
// matching goes through nostr.MatchesAny, which applies the same rule.
func tagContains(tags []nostr.Tag, tagName string, values []string) bool {
	for _, tag := range tags {
		if tag.Name() != tagName || len(tag) < 2 {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
