package nostr

// Filter is one NIP-01 REQ filter. Fields are conjunctive within a filter;
// multiple filters in one REQ are unioned by the caller (store/subscription
// layers), not here.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int32             `json:"kinds,omitempty"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   *int                `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"`
}

const (
	// MaxFilterLimit is the largest `limit` a filter may request.
	MaxFilterLimit = 5000
)

// Validate enforces the REQ-time bounds on a filter's numeric fields.
func (f *Filter) Validate() error {
	if f.Limit != nil {
		if *f.Limit < 0 || *f.Limit > MaxFilterLimit {
			return errInvalidLimit
		}
	}
	if f.Since != nil && *f.Since < 0 {
		return errInvalidSince
	}
	if f.Until != nil && *f.Until < 0 {
		return errInvalidUntil
	}
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return errSinceAfterUntil
	}
	return nil
}

// Matches reports whether the event satisfies every field this filter sets.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for tagName, values := range f.Tags {
		if !eventHasTagValue(e, tagName, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether the event satisfies at least one filter in
// filters (the union-across-filters semantics of a single REQ).
func MatchesAny(filters []*Filter, e *Event) bool {
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

func eventHasTagValue(e *Event, tagName string, values []string) bool {
	for _, tag := range e.Tags {
		if tag.Name() != tagName || len(tag) < 2 {
			continue
		}
		if containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsKind(haystack []int32, needle int32) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
