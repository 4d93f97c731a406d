package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"lowercases", "Hello WORLD", []string{"hello", "world"}},
		{"splits punctuation", "foo-bar, baz!", []string{"foo", "bar", "baz"}},
		{"splits underscores", "snake_case_name", []string{"snake", "case", "name"}},
		{"drops empties", "__x__", []string{"x"}},
		{"keeps digits", "v2 beta3", []string{"v2", "beta3"}},
		{"empty input", "", nil},
		{"unicode letters", "café RÉSUMÉ", []string{"café", "résumé"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchRanksMatchingDocFirst(t *testing.T) {
	ix := New()
	ix.Add("doc-a", "the quick brown fox jumps over the lazy dog")
	ix.Add("doc-b", "sqlite database transactions and indexes")
	ix.Add("doc-c", "brown bears eat fish")
	ix.Build()

	results := ix.Search("sqlite transactions", 10)
	require.Len(t, results, 3)
	assert.Equal(t, "doc-b", results[0].DocID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchLimit(t *testing.T) {
	ix := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		ix.Add(id, "shared words everywhere")
	}
	ix.Build()

	assert.Len(t, ix.Search("shared", 2), 2)
}

func TestSearchDoesNotFilterScores(t *testing.T) {
	// All documents are returned regardless of score sign or magnitude.
	ix := New()
	ix.Add("a", "alpha alpha alpha")
	ix.Add("b", "beta")
	ix.Build()

	results := ix.Search("gamma", 10)
	assert.Len(t, results, 2)
	for _, r := range results {
		assert.Zero(t, r.Score)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := New()
	ix.Build()
	assert.Empty(t, ix.Search("anything", 10))
}

func TestSearchUnbuiltIndex(t *testing.T) {
	ix := New()
	ix.Add("a", "content")
	assert.Empty(t, ix.Search("content", 10))
}

func TestContent(t *testing.T) {
	ix := New()
	ix.Add("a", "hello")
	got, ok := ix.Content("a")
	assert.True(t, ok)
	assert.Equal(t, "hello", got)

	_, ok = ix.Content("missing")
	assert.False(t, ok)
}

func TestSnakeCaseQueryMatchesParts(t *testing.T) {
	ix := New()
	ix.Add("a", "func handle_request parses the body")
	ix.Add("b", "unrelated text entirely")
	ix.Build()

	results := ix.Search("request", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].DocID)
	assert.Greater(t, results[0].Score, 0.0)
}
