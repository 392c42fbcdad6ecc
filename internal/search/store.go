package search

import (
	"net/url"
	"strings"

	"github.com/veritaslab/scribe/internal/models"
)

// CanonicalURL reduces a document URL to its dedup fingerprint:
// lowercase scheme and host, path without a trailing slash, query string
// and fragment stripped. URLs that differ only by query string or
// fragment collapse to the same key.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	path := strings.TrimRight(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path
}

// DocumentStore canonicalizes and deduplicates retrieved documents. It
// is insert-only: the document count never decreases, and stored
// documents are never mutated. A key collision keeps the document from
// the higher-priority source, ties broken by higher relevance score.
type DocumentStore struct {
	docs     []models.Document
	byKey    map[string]int
	priority func(source string) int
}

// NewDocumentStore builds a store. priority ranks sources (lower wins);
// nil treats all sources equally.
func NewDocumentStore(priority func(source string) int) *DocumentStore {
	if priority == nil {
		priority = func(string) int { return 0 }
	}
	return &DocumentStore{
		byKey:    make(map[string]int),
		priority: priority,
	}
}

// Insert merges one document. It returns true when the document was new,
// false when it collided with an existing key (whether or not it
// replaced the stored copy).
func (s *DocumentStore) Insert(doc models.Document) bool {
	key := CanonicalURL(doc.URL)
	idx, seen := s.byKey[key]
	if !seen {
		s.byKey[key] = len(s.docs)
		s.docs = append(s.docs, doc)
		return true
	}

	existing := s.docs[idx]
	newPrio, oldPrio := s.priority(doc.Source), s.priority(existing.Source)
	if newPrio < oldPrio || (newPrio == oldPrio && doc.RelevanceScore > existing.RelevanceScore) {
		s.docs[idx] = doc
	}
	return false
}

// InsertAll merges a batch and returns how many were new.
func (s *DocumentStore) InsertAll(docs []models.Document) int {
	added := 0
	for _, d := range docs {
		if s.Insert(d) {
			added++
		}
	}
	return added
}

// Len returns the number of distinct documents.
func (s *DocumentStore) Len() int { return len(s.docs) }

// Documents returns a copy of the stored documents in insertion order.
func (s *DocumentStore) Documents() []models.Document {
	out := make([]models.Document, len(s.docs))
	copy(out, s.docs)
	return out
}
