package keyword

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kioku/internal/models"
)

type mapDict map[string]int

func (m mapDict) Terms() (map[string]int, error) { return m, nil }

func TestLevenshteinDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"penguin", "pengiun", 2},
		{"café", "cafe", 1},
		{"same", "same", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevenshteinDistance(tc.a, tc.b), "%q -> %q", tc.a, tc.b)
		assert.Equal(t, tc.want, LevenshteinDistance(tc.b, tc.a), "%q -> %q", tc.b, tc.a)
	}
}

func TestSpellChecker_Correct(t *testing.T) {
	sc := NewSpellChecker(mapDict{"penguins": 3, "antarctica": 1, "pigeons": 1, "live": 2})

	got, err := sc.Correct("pengiuns live in antartica")
	require.NoError(t, err)
	assert.Equal(t, "penguins live in antarctica", got)

	got, err = sc.Correct("penguins live")
	require.NoError(t, err)
	assert.Empty(t, got, "known terms need no correction")

	got, err = sc.Correct("zzzzzz")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSpellChecker_SuggestRanksByFrequency(t *testing.T) {
	sc := NewSpellChecker(mapDict{"cart": 1, "care": 9, "core": 4, "cat": 2}, WithMaxDistance(1), WithMaxSuggestions(2))
	sugg, err := sc.Suggest("Carx")
	require.NoError(t, err)
	require.Len(t, sugg, 2)
	assert.Equal(t, "care", sugg[0].Term)
	assert.Equal(t, 1, sugg[0].Distance)
	assert.Equal(t, "cart", sugg[1].Term)

	sugg, err = sc.Suggest("ca")
	require.NoError(t, err)
	assert.Empty(t, sugg, "short terms are left alone")
}

func TestBleveIndex_Terms(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, &Document{Kind: models.EntitySource, ID: "s1", Title: "Penguin facts", Content: "penguins swim"}))
	require.NoError(t, idx.Index(ctx, &Document{Kind: models.EntityNote, ID: "n1", Title: "Birds", Content: "penguins waddle"}))

	terms, err := idx.Terms()
	require.NoError(t, err)
	assert.Equal(t, 2, terms["penguins"])
	assert.Equal(t, 1, terms["penguin"])
	assert.Equal(t, 1, terms["birds"])

	got, err := NewSpellChecker(idx).Correct("pengiuns")
	require.NoError(t, err)
	assert.Equal(t, "penguins", got)
}
