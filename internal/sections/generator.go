// Package sections drafts each outline section from accumulated
// evidence in one bounded fan-out wave. A failed section never aborts
// the wave; it is marked failed with an explanatory placeholder and the
// report is assembled around it.
package sections

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/metrics"
	"github.com/veritaslab/scribe/internal/models"
)

const writerAgentID = "content_writer"

// Options bound one content generation wave.
type Options struct {
	MaxWorkers        int
	PerSectionTimeout time.Duration
	MaxDocsPerSection int
	Style             string
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.PerSectionTimeout <= 0 {
		o.PerSectionTimeout = 180 * time.Second
	}
	if o.MaxDocsPerSection <= 0 {
		o.MaxDocsPerSection = 8
	}
	if o.Style == "" {
		o.Style = models.StyleProfessional
	}
	return o
}

// WaveResult is the joined outcome of one wave, in outline order.
type WaveResult struct {
	Sections []models.Section
	Usage    []models.TokenUsage
	Failed   int
}

// Generator drafts sections with a bounded worker pool.
type Generator struct {
	client llm.Client
	logger *zap.Logger

	stylesMu sync.RWMutex
	styles   map[string]string
}

// NewGenerator accepts style template text keyed by style tag; styles
// not present fall back to built-in phrasing.
func NewGenerator(client llm.Client, styles map[string]string, logger *zap.Logger) *Generator {
	if styles == nil {
		styles = map[string]string{}
	}
	return &Generator{client: client, styles: styles, logger: logger}
}

// SetStyles swaps the style templates, used for live reload of the
// styles file. Waves in flight keep the map they already read from.
func (g *Generator) SetStyles(styles map[string]string) {
	if styles == nil {
		styles = map[string]string{}
	}
	g.stylesMu.Lock()
	g.styles = styles
	g.stylesMu.Unlock()
}

// LoadStyles reads a YAML file mapping style tags to template text.
func LoadStyles(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read styles %s: %w", path, err)
	}
	styles := make(map[string]string)
	if err := yaml.Unmarshal(data, &styles); err != nil {
		return nil, fmt.Errorf("parse styles %s: %w", path, err)
	}
	return styles, nil
}

// WriteSections runs one fan-out wave, one task per section. Sibling
// completion order is unspecified; the returned slice is always in
// outline order. Workers write into private slots, so no locking guards
// the results.
func (g *Generator) WriteSections(ctx context.Context, outline models.Outline, docs []models.Document, opts Options) WaveResult {
	opts = opts.withDefaults()
	n := len(outline.Sections)
	if n == 0 {
		return WaveResult{}
	}

	results := make([]models.Section, n)
	usages := make([]models.TokenUsage, n)
	jobs := make(chan int)
	workers := opts.MaxWorkers
	if workers > n {
		workers = n
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], usages[i] = g.writeOne(ctx, outline.Sections[i], docs, opts)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := WaveResult{Sections: results}
	for i := range results {
		if results[i].Status == models.SectionFailed {
			out.Failed++
		}
		if usages[i].InputTokens > 0 || usages[i].OutputTokens > 0 {
			out.Usage = append(out.Usage, usages[i])
		}
		metrics.SectionsWritten.WithLabelValues(results[i].Status).Inc()
	}

	g.logger.Info("Section wave complete",
		zap.Int("sections", n),
		zap.Int("failed", out.Failed),
		zap.String("style", opts.Style),
	)
	return out
}

func (g *Generator) writeOne(ctx context.Context, stub models.SectionStub, docs []models.Document, opts Options) (models.Section, models.TokenUsage) {
	section := models.Section{Title: stub.Title, Status: models.SectionPending}

	selected := SelectDocuments(stub, docs, opts.MaxDocsPerSection)
	section.SupportingDocuments = selected

	callCtx, cancel := context.WithTimeout(ctx, opts.PerSectionTimeout)
	defer cancel()

	resp, err := g.client.Complete(callCtx, llm.Request{
		AgentID:     writerAgentID,
		System:      g.stylePrompt(opts.Style),
		Prompt:      buildSectionPrompt(stub, docs, selected),
		MaxTokens:   2048,
		Temperature: 0.5,
	})
	if err != nil {
		g.logger.Warn("Section draft failed",
			zap.String("section", stub.Title),
			zap.Error(err),
		)
		section.Status = models.SectionFailed
		section.Error = err.Error()
		section.Content = fmt.Sprintf("*This section could not be generated: %v*", err)
		return section, models.TokenUsage{}
	}

	content := strings.TrimSpace(resp.Text)
	if content == "" {
		section.Status = models.SectionFailed
		section.Error = "empty model output"
		section.Content = "*This section could not be generated: the model returned no content.*"
		return section, resp.Usage
	}

	section.Status = models.SectionDrafted
	section.Content = content
	return section, resp.Usage
}

// SelectDocuments picks the most relevant evidence subset for the
// section: relevance score plus keyword overlap with the section's title
// and requirement. Returns indexes into docs, best first.
func SelectDocuments(stub models.SectionStub, docs []models.Document, limit int) []int {
	if len(docs) == 0 {
		return nil
	}
	keywords := tokenize(stub.Title + " " + stub.Requirement)

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, 0, len(docs))
	for i, d := range docs {
		score := d.RelevanceScore
		docTokens := tokenize(d.Title + " " + d.Content)
		for kw := range keywords {
			if _, ok := docTokens[kw]; ok {
				score += 1.0
			}
		}
		ranked = append(ranked, scored{idx: i, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]int, 0, limit)
	for _, r := range ranked[:limit] {
		out = append(out, r.idx)
	}
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "were": {}, "its": {}, "their": {},
	"about": {}, "into": {}, "over": {}, "such": {}, "what": {}, "how": {},
}

func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(field) < 3 {
			continue
		}
		if _, stop := stopWords[field]; stop {
			continue
		}
		out[field] = struct{}{}
	}
	return out
}

func (g *Generator) stylePrompt(style string) string {
	g.stylesMu.RLock()
	tmpl, ok := g.styles[style]
	g.stylesMu.RUnlock()
	if ok && tmpl != "" {
		return tmpl
	}
	switch style {
	case models.StyleAcademic:
		return "You write report sections in a rigorous academic register: measured claims, attributed evidence, no marketing language."
	case models.StyleTechnical:
		return "You write report sections for a technical audience: precise terminology, concrete mechanisms, no fluff."
	case models.StyleBusiness:
		return "You write report sections for business decision-makers: implications first, jargon minimized, actionable framing."
	default:
		return "You write report sections in a clear professional register suitable for an expert general audience."
	}
}

func buildSectionPrompt(stub models.SectionStub, docs []models.Document, selected []int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Write the section %q.\n\n## Section requirement:\n%s\n\n## Evidence:\n", stub.Title, stub.Requirement))
	for _, idx := range selected {
		d := docs[idx]
		snippet := d.Content
		if len(snippet) > 1200 {
			snippet = snippet[:1200] + "..."
		}
		sb.WriteString(fmt.Sprintf("### %s (%s, %s)\n%s\n\n", d.Title, d.Source, d.URL, snippet))
	}
	sb.WriteString("Write 2-4 paragraphs of markdown body text. Base every claim on the evidence above; state gaps honestly instead of inventing facts. Do not repeat the section title as a heading.")
	return sb.String()
}
