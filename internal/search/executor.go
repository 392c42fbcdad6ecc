// Package search implements the bounded fan-out search wave and the
// deduplicating document store it merges into.
package search

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/collectors"
	"github.com/veritaslab/scribe/internal/metrics"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/retrypolicy"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

// Options bound one search wave.
type Options struct {
	MaxWorkers         int
	MaxResultsPerQuery int
	DaysBack           int
	PerCallTimeout     time.Duration
	WaveDeadline       time.Duration
	// FallbackFloor is the minimum merged count below which
	// SearchWithFallback runs its second wave.
	FallbackFloor int
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 6
	}
	if o.MaxResultsPerQuery <= 0 {
		o.MaxResultsPerQuery = 5
	}
	if o.PerCallTimeout <= 0 {
		o.PerCallTimeout = 20 * time.Second
	}
	if o.WaveDeadline <= 0 {
		o.WaveDeadline = 90 * time.Second
	}
	if o.FallbackFloor <= 0 {
		o.FallbackFloor = 3
	}
	return o
}

// Stats records what happened to one wave; per-pair failures are
// isolated here instead of failing the batch.
type Stats struct {
	Pairs          int
	Succeeded      int
	Failed         int
	DocumentsAdded int
	FallbackUsed   bool
	Errors         []string
}

func (s *Stats) merge(other Stats) {
	s.Pairs += other.Pairs
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.DocumentsAdded += other.DocumentsAdded
	s.FallbackUsed = s.FallbackUsed || other.FallbackUsed
	s.Errors = append(s.Errors, other.Errors...)
}

// Executor fans (query, source) pairs out over a bounded worker pool and
// merges results through a DocumentStore. The registry is immutable, so
// the executor needs no synchronization around source lookup.
type Executor struct {
	registry *collectors.SourceRegistry
	policy   retrypolicy.Policy
	logger   *zap.Logger
}

func NewExecutor(registry *collectors.SourceRegistry, policy retrypolicy.Policy, logger *zap.Logger) *Executor {
	return &Executor{registry: registry, policy: policy, logger: logger}
}

// SourcePriority exposes the registry's rank function for building
// document stores that share this executor's collision rule.
func (e *Executor) SourcePriority() func(source string) int {
	return e.registry.Priority
}

type pairResult struct {
	query  string
	source string
	docs   []models.Document
	err    error
}

// ParallelSearch runs one wave over queries × sources, bounded by
// opts.MaxWorkers, and merges all results into store. A collector
// failure costs only its own pair. The wave proceeds with partial
// results once the wave deadline elapses.
func (e *Executor) ParallelSearch(ctx context.Context, queries []models.Query, sources []string, store *DocumentStore, opts Options) Stats {
	opts = opts.withDefaults()
	start := time.Now()

	sources = e.registry.Filter(sources)
	if len(queries) == 0 || len(sources) == 0 {
		return Stats{}
	}

	type pair struct {
		query  string
		source string
	}
	pairs := make([]pair, 0, len(queries)*len(sources))
	for _, q := range queries {
		for _, src := range sources {
			pairs = append(pairs, pair{query: q.Text, source: src})
		}
	}

	waveCtx, cancel := context.WithTimeout(ctx, opts.WaveDeadline)
	defer cancel()

	// Every worker writes into its own slot; the aggregate store is only
	// touched after the join, so it needs no lock.
	results := make([]pairResult, len(pairs))
	jobs := make(chan int)
	workers := opts.MaxWorkers
	if workers > len(pairs) {
		workers = len(pairs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				p := pairs[i]
				results[i] = pairResult{
					query:  p.query,
					source: p.source,
				}
				results[i].docs, results[i].err = e.searchOne(waveCtx, p.query, p.source, opts)
			}
		}()
	}
	for i := range pairs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	stats := Stats{Pairs: len(pairs)}
	for _, r := range results {
		if r.err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, r.err.Error())
			metrics.SearchCalls.WithLabelValues(r.source, "error").Inc()
			e.logger.Warn("Search pair failed",
				zap.String("source", r.source),
				zap.String("query", r.query),
				zap.Error(r.err),
			)
			continue
		}
		stats.Succeeded++
		metrics.SearchCalls.WithLabelValues(r.source, "ok").Inc()
		added := store.InsertAll(r.docs)
		stats.DocumentsAdded += added
		metrics.SearchDocuments.Add(float64(added))
		metrics.SearchDuplicates.Add(float64(len(r.docs) - added))
	}

	metrics.SearchWaveDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("Search wave complete",
		zap.Int("pairs", stats.Pairs),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("documents_added", stats.DocumentsAdded),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats
}

func (e *Executor) searchOne(ctx context.Context, query, source string, opts Options) ([]models.Document, error) {
	collector, ok := e.registry.Get(source)
	if !ok {
		return nil, &taskerrors.CollectorError{Source: source, Query: query, Err: taskerrors.FatalConfig("source not registered")}
	}

	var docs []models.Document
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, opts.PerCallTimeout)
		defer cancel()
		out, err := collector.Search(callCtx, query, opts.MaxResultsPerQuery, opts.DaysBack)
		if err != nil {
			return err
		}
		if len(out) > opts.MaxResultsPerQuery {
			out = out[:opts.MaxResultsPerQuery]
		}
		docs = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// SearchByCategory restricts the source set to one of {web, academic,
// news} before fan-out.
func (e *Executor) SearchByCategory(ctx context.Context, queries []models.Query, category string, store *DocumentStore, opts Options) (Stats, error) {
	sources, err := e.registry.ByCategory(category)
	if err != nil {
		return Stats{}, err
	}
	return e.ParallelSearch(ctx, queries, sources, store, opts), nil
}

// SearchWithFallback runs a first wave with the preferred sources and,
// when the merged count stays below the configured floor, a second
// sequential wave with the fallback sources. Both waves merge through
// the same dedup rule.
func (e *Executor) SearchWithFallback(ctx context.Context, queries []models.Query, preferred, fallback []string, store *DocumentStore, opts Options) Stats {
	opts = opts.withDefaults()
	before := store.Len()
	stats := e.ParallelSearch(ctx, queries, preferred, store, opts)

	if store.Len()-before >= opts.FallbackFloor {
		return stats
	}
	if ctx.Err() != nil {
		return stats
	}

	e.logger.Info("Preferred sources below floor, running fallback wave",
		zap.Int("retrieved", store.Len()-before),
		zap.Int("floor", opts.FallbackFloor),
		zap.Strings("fallback_sources", fallback),
	)
	second := e.ParallelSearch(ctx, queries, fallback, store, opts)
	second.FallbackUsed = true
	stats.merge(second)
	return stats
}
