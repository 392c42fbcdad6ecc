// Package collectors defines the source-search collaborator interface
// and an immutable registry of configured collectors. The orchestration
// core only ever sees the interface; concrete collectors live here so a
// deployment can run standalone.
package collectors

import (
	"context"
	"fmt"
	"sort"

	"github.com/veritaslab/scribe/internal/models"
)

// SourceCollector searches one external data source.
type SourceCollector interface {
	Name() string
	SourceType() string
	Search(ctx context.Context, query string, maxResults, daysBack int) ([]models.Document, error)
}

// SourceRegistry is an immutable mapping of source name to collector,
// built once at startup and injected into the search executor. Priority
// order decides dedup collisions: an earlier source beats a later one.
type SourceRegistry struct {
	byName   map[string]SourceCollector
	priority map[string]int
	order    []string
}

// NewSourceRegistry builds a registry. The order of the collectors slice
// is the source priority order.
func NewSourceRegistry(collectors ...SourceCollector) *SourceRegistry {
	byName := make(map[string]SourceCollector, len(collectors))
	priority := make(map[string]int, len(collectors))
	order := make([]string, 0, len(collectors))
	for i, c := range collectors {
		if _, dup := byName[c.Name()]; dup {
			continue
		}
		byName[c.Name()] = c
		priority[c.Name()] = i
		order = append(order, c.Name())
	}
	return &SourceRegistry{byName: byName, priority: priority, order: order}
}

// Get returns the collector registered under name.
func (r *SourceRegistry) Get(name string) (SourceCollector, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Priority returns the priority rank of a source; lower wins. Unknown
// sources rank last.
func (r *SourceRegistry) Priority(name string) int {
	if p, ok := r.priority[name]; ok {
		return p
	}
	return len(r.order)
}

// Names returns all registered source names in priority order.
func (r *SourceRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ByCategory returns the registered sources of one source type, in
// priority order.
func (r *SourceRegistry) ByCategory(category string) ([]string, error) {
	switch category {
	case models.SourceTypeWeb, models.SourceTypeAcademic, models.SourceTypeNews:
	default:
		return nil, fmt.Errorf("unknown search category %q", category)
	}
	var out []string
	for _, name := range r.order {
		if r.byName[name].SourceType() == category {
			out = append(out, name)
		}
	}
	return out, nil
}

// Filter keeps only the requested names that are actually registered,
// returned in priority order.
func (r *SourceRegistry) Filter(names []string) []string {
	var out []string
	for _, n := range names {
		if _, ok := r.byName[n]; ok {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.Priority(out[i]) < r.Priority(out[j])
	})
	return out
}
