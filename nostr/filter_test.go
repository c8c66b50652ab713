package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }
func intp(v int) *int       { return &v }

func TestFilterValidateLimitBounds(t *testing.T) {
	f := &Filter{Limit: intp(5001)}
	require.Error(t, f.Validate())

	f2 := &Filter{Limit: intp(5000)}
	require.NoError(t, f2.Validate())

	f3 := &Filter{Limit: intp(0)}
	require.NoError(t, f3.Validate())
}

func TestFilterValidateSinceUntilOrdering(t *testing.T) {
	f := &Filter{Since: int64p(10), Until: int64p(5)}
	require.Error(t, f.Validate())

	f2 := &Filter{Since: int64p(5), Until: int64p(10)}
	require.NoError(t, f2.Validate())
}

func TestFilterMatchesIntersection(t *testing.T) {
	e := &Event{ID: "id1", PubKey: "pub1", Kind: 1, CreatedAt: 100, Tags: []Tag{{"e", "root"}}}

	f := &Filter{Kinds: []int32{1}, Since: int64p(50)}
	require.True(t, f.Matches(e))

	f2 := &Filter{Kinds: []int32{2}}
	require.False(t, f2.Matches(e))

	f3 := &Filter{Tags: map[string][]string{"e": {"root"}}}
	require.True(t, f3.Matches(e))

	f4 := &Filter{Tags: map[string][]string{"e": {"other"}}}
	require.False(t, f4.Matches(e))
}

func TestMatchesAnyUnion(t *testing.T) {
	e := &Event{ID: "id1", Kind: 1}
	filters := []*Filter{
		{Kinds: []int32{2}},
		{Kinds: []int32{1}},
	}
	require.True(t, MatchesAny(filters, e))
}

func TestFilterJSONTagRoundTrip(t *testing.T) {
	raw := []byte(`{"kinds":[1],"#e":["root","reply"],"limit":10}`)
	var f Filter
	require.NoError(t, json.Unmarshal(raw, &f))
	require.Equal(t, []string{"root", "reply"}, f.Tags["e"])
	require.Equal(t, 10, *f.Limit)

	out, err := json.Marshal(f)
	require.NoError(t, err)
	var f2 Filter
	require.NoError(t, json.Unmarshal(out, &f2))
	require.Equal(t, f.Tags, f2.Tags)
}
