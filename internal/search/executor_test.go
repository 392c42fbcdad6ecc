package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/collectors"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/retrypolicy"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

// stubCollector returns canned documents or a canned error.
type stubCollector struct {
	name       string
	sourceType string
	docs       []models.Document
	err        error
	calls      atomic.Int64
	block      chan struct{}
}

func (s *stubCollector) Name() string       { return s.name }
func (s *stubCollector) SourceType() string { return s.sourceType }

func (s *stubCollector) Search(ctx context.Context, query string, maxResults, daysBack int) ([]models.Document, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

func docsFor(source string, n int) []models.Document {
	out := make([]models.Document, n)
	for i := range out {
		out[i] = models.Document{
			Title:  fmt.Sprintf("%s doc %d", source, i),
			URL:    fmt.Sprintf("https://%s.example.com/%d", source, i),
			Source: source,
		}
	}
	return out
}

func fastPolicy() retrypolicy.Policy {
	return retrypolicy.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
}

func queries(texts ...string) []models.Query {
	out := make([]models.Query, len(texts))
	for i, q := range texts {
		out[i] = models.Query{Text: q, Strategy: models.StrategyInitial}
	}
	return out
}

func TestParallelSearchMergesAllPairs(t *testing.T) {
	a := &stubCollector{name: "a", sourceType: models.SourceTypeWeb, docs: docsFor("a", 2)}
	b := &stubCollector{name: "b", sourceType: models.SourceTypeWeb, docs: docsFor("b", 3)}
	reg := collectors.NewSourceRegistry(a, b)
	exec := NewExecutor(reg, fastPolicy(), zap.NewNop())

	store := NewDocumentStore(reg.Priority)
	stats := exec.ParallelSearch(context.Background(), queries("q1", "q2"), []string{"a", "b"}, store, Options{})

	assert.Equal(t, 4, stats.Pairs)
	assert.Equal(t, 4, stats.Succeeded)
	assert.Zero(t, stats.Failed)
	// Both queries hit the same stubs, so dedup collapses to 5 docs.
	assert.Equal(t, 5, store.Len())
	assert.Equal(t, 5, stats.DocumentsAdded)
}

func TestParallelSearchIsolatesCollectorFailure(t *testing.T) {
	good := &stubCollector{name: "good", sourceType: models.SourceTypeWeb, docs: docsFor("good", 2)}
	bad := &stubCollector{
		name:       "bad",
		sourceType: models.SourceTypeWeb,
		err:        &taskerrors.CollectorError{Source: "bad", Err: errors.New("boom")},
	}
	reg := collectors.NewSourceRegistry(good, bad)
	exec := NewExecutor(reg, fastPolicy(), zap.NewNop())

	store := NewDocumentStore(reg.Priority)
	stats := exec.ParallelSearch(context.Background(), queries("q"), []string{"good", "bad"}, store, Options{})

	assert.Equal(t, 2, stats.Pairs)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, store.Len())
	require.NotEmpty(t, stats.Errors)
}

func TestParallelSearchSkipsUnknownSources(t *testing.T) {
	a := &stubCollector{name: "a", sourceType: models.SourceTypeWeb, docs: docsFor("a", 1)}
	reg := collectors.NewSourceRegistry(a)
	exec := NewExecutor(reg, fastPolicy(), zap.NewNop())

	store := NewDocumentStore(reg.Priority)
	stats := exec.ParallelSearch(context.Background(), queries("q"), []string{"a", "nope"}, store, Options{})

	assert.Equal(t, 1, stats.Pairs)
	assert.Equal(t, 1, store.Len())
}

func TestParallelSearchHonorsCancellation(t *testing.T) {
	blocked := &stubCollector{
		name:       "slow",
		sourceType: models.SourceTypeWeb,
		docs:       docsFor("slow", 1),
		block:      make(chan struct{}),
	}
	reg := collectors.NewSourceRegistry(blocked)
	exec := NewExecutor(reg, fastPolicy(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Stats, 1)
	store := NewDocumentStore(reg.Priority)
	go func() {
		done <- exec.ParallelSearch(ctx, queries("q"), []string{"slow"}, store, Options{})
	}()

	cancel()
	select {
	case stats := <-done:
		assert.Zero(t, stats.Succeeded)
		assert.Zero(t, store.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("wave did not unwind after cancellation")
	}
}

func TestSearchWithFallbackRunsSecondWaveBelowFloor(t *testing.T) {
	empty := &stubCollector{name: "preferred", sourceType: models.SourceTypeWeb}
	backup := &stubCollector{name: "backup", sourceType: models.SourceTypeWeb, docs: docsFor("backup", 3)}
	reg := collectors.NewSourceRegistry(empty, backup)
	exec := NewExecutor(reg, fastPolicy(), zap.NewNop())

	store := NewDocumentStore(reg.Priority)
	stats := exec.SearchWithFallback(context.Background(), queries("q"),
		[]string{"preferred"}, []string{"backup"}, store, Options{FallbackFloor: 3})

	assert.True(t, stats.FallbackUsed)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, int64(1), backup.calls.Load())
}

func TestSearchWithFallbackSkipsSecondWaveAtFloor(t *testing.T) {
	rich := &stubCollector{name: "preferred", sourceType: models.SourceTypeWeb, docs: docsFor("preferred", 4)}
	backup := &stubCollector{name: "backup", sourceType: models.SourceTypeWeb, docs: docsFor("backup", 3)}
	reg := collectors.NewSourceRegistry(rich, backup)
	exec := NewExecutor(reg, fastPolicy(), zap.NewNop())

	store := NewDocumentStore(reg.Priority)
	stats := exec.SearchWithFallback(context.Background(), queries("q"),
		[]string{"preferred"}, []string{"backup"}, store, Options{FallbackFloor: 3})

	assert.False(t, stats.FallbackUsed)
	assert.Equal(t, 4, store.Len())
	assert.Zero(t, backup.calls.Load())
}

func TestSearchByCategoryFiltersSources(t *testing.T) {
	web := &stubCollector{name: "web", sourceType: models.SourceTypeWeb, docs: docsFor("web", 2)}
	acad := &stubCollector{name: "acad", sourceType: models.SourceTypeAcademic, docs: docsFor("acad", 2)}
	reg := collectors.NewSourceRegistry(web, acad)
	exec := NewExecutor(reg, fastPolicy(), zap.NewNop())

	store := NewDocumentStore(reg.Priority)
	_, err := exec.SearchByCategory(context.Background(), queries("q"), models.SourceTypeAcademic, store, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
	assert.Zero(t, web.calls.Load())
	assert.Equal(t, int64(1), acad.calls.Load())
}
