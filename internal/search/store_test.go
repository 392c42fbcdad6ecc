package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslab/scribe/internal/models"
)

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips trailing slash", "https://example.com/path/", "https://example.com/path"},
		{"strips query", "https://example.com/path?utm_source=x&b=2", "https://example.com/path"},
		{"strips fragment", "https://example.com/path#section-2", "https://example.com/path"},
		{"path case preserved", "https://example.com/Docs/API", "https://example.com/Docs/API"},
		{"unparseable falls back to trimmed lowercase", "  NOT A URL  ", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalURL(tt.raw))
		})
	}
}

func TestDocumentStoreDeduplicates(t *testing.T) {
	store := NewDocumentStore(nil)

	require.True(t, store.Insert(models.Document{Title: "a", URL: "https://example.com/x?q=1"}))
	// Same canonical URL in every variant below.
	assert.False(t, store.Insert(models.Document{Title: "b", URL: "https://example.com/x"}))
	assert.False(t, store.Insert(models.Document{Title: "c", URL: "HTTPS://EXAMPLE.COM/x/"}))
	assert.False(t, store.Insert(models.Document{Title: "d", URL: "https://example.com/x#frag"}))

	assert.Equal(t, 1, store.Len())
}

func TestDocumentStoreCollisionKeepsHigherPrioritySource(t *testing.T) {
	rank := map[string]int{"tavily": 0, "newsapi": 2}
	store := NewDocumentStore(func(source string) int { return rank[source] })

	store.Insert(models.Document{Title: "from news", URL: "https://example.com/x", Source: "newsapi"})
	store.Insert(models.Document{Title: "from tavily", URL: "https://example.com/x", Source: "tavily"})

	docs := store.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "tavily", docs[0].Source)
}

func TestDocumentStoreCollisionTieKeepsHigherRelevance(t *testing.T) {
	store := NewDocumentStore(func(string) int { return 1 })

	store.Insert(models.Document{Title: "low", URL: "https://example.com/x", Source: "tavily", RelevanceScore: 0.3})
	store.Insert(models.Document{Title: "high", URL: "https://example.com/x", Source: "tavily", RelevanceScore: 0.9})

	docs := store.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "high", docs[0].Title)
}

func TestDocumentStoreOnlyGrows(t *testing.T) {
	store := NewDocumentStore(nil)
	prev := 0
	batches := [][]models.Document{
		{{URL: "https://a.com/1"}, {URL: "https://a.com/2"}},
		{{URL: "https://a.com/1"}, {URL: "https://a.com/3"}},
		{{URL: "https://a.com/1"}, {URL: "https://a.com/2"}},
		{},
	}
	for _, batch := range batches {
		store.InsertAll(batch)
		assert.GreaterOrEqual(t, store.Len(), prev)
		prev = store.Len()
	}
	assert.Equal(t, 3, store.Len())
}
