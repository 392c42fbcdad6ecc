// Package querygen produces each round's search queries from a closed
// set of strategies, with a deterministic fallback so a model outage
// never stalls the refinement loop.
package querygen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/retrypolicy"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

const generatorAgentID = "query_generator"

// maxQueries caps the returned query count per strategy.
var maxQueries = map[string]int{
	models.StrategyInitial:   5,
	models.StrategyIterative: 3,
	models.StrategyTargeted:  1, // per unresolved gap
	models.StrategyAcademic:  4,
	models.StrategyNews:      4,
}

// Context seeds generation with what previous rounds learned.
type Context struct {
	// Gaps drives the targeted strategy: one query per unresolved gap.
	Gaps []string
	// CoveredSummary is a short digest of evidence already retrieved.
	CoveredSummary string
	Requirements   string
}

// Result is the generated query list plus the usage consumed.
type Result struct {
	Queries []models.Query
	Usage   models.TokenUsage
}

// Generator issues one model call per round with a bounded timeout and
// one retry on transient failure.
type Generator struct {
	client  llm.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewGenerator(client llm.Client, timeout time.Duration, logger *zap.Logger) *Generator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Generator{client: client, timeout: timeout, logger: logger}
}

type queryResponse struct {
	Queries []string `json:"queries"`
}

// Generate returns the ordered queries for one round. Exhausted retries
// surface as QueryGenerationError; the caller falls back to
// FallbackQueries to guarantee forward progress.
func (g *Generator) Generate(ctx context.Context, topic, strategy string, genCtx Context, round int) (*Result, error) {
	limit, ok := maxQueries[strategy]
	if !ok {
		return nil, &taskerrors.QueryGenerationError{Strategy: strategy, Err: fmt.Errorf("unknown strategy")}
	}
	if strategy == models.StrategyTargeted {
		limit = len(genCtx.Gaps)
		if limit == 0 {
			limit = 1
		}
	}

	system, prompt := buildPrompt(topic, strategy, genCtx, limit)

	var result Result
	policy := retrypolicy.Policy{
		MaxAttempts:     2,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		resp, err := g.client.Complete(callCtx, llm.Request{
			AgentID:        generatorAgentID,
			System:         system,
			Prompt:         prompt,
			ResponseFormat: llm.FormatJSON,
			MaxTokens:      512,
			Temperature:    0.4,
		})
		if err != nil {
			return err
		}
		result.Usage = resp.Usage

		texts := parseQueries(resp.Text)
		if len(texts) == 0 {
			// One more attempt is worth it when the model returned prose.
			return taskerrors.Transientf("no queries in model output")
		}
		if len(texts) > limit {
			texts = texts[:limit]
		}
		result.Queries = result.Queries[:0]
		for _, t := range texts {
			result.Queries = append(result.Queries, models.Query{Text: t, Strategy: strategy, Round: round})
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("Query generation failed",
			zap.String("strategy", strategy),
			zap.Int("round", round),
			zap.Error(err),
		)
		return nil, &taskerrors.QueryGenerationError{Strategy: strategy, Err: err}
	}

	g.logger.Info("Queries generated",
		zap.String("strategy", strategy),
		zap.Int("round", round),
		zap.Int("count", len(result.Queries)),
	)
	return &result, nil
}

// parseQueries takes structured output first and falls back to line
// extraction when the model ignored the format.
func parseQueries(text string) []string {
	var parsed queryResponse
	if err := llm.ExtractJSON(text, &parsed); err == nil && len(parsed.Queries) > 0 {
		return dedupeNonEmpty(parsed.Queries)
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		line = strings.Trim(line, `"`)
		if line == "" || strings.HasPrefix(line, "{") || strings.HasPrefix(line, "}") {
			continue
		}
		if len(line) < 3 || len(line) > 200 {
			continue
		}
		lines = append(lines, line)
	}
	return dedupeNonEmpty(lines)
}

func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// fallbackSuffixes is the fixed expansion list used when generation
// exhausts its retries. Deterministic by construction: no model call.
var fallbackSuffixes = map[string][]string{
	models.StrategyInitial:   {"overview", "latest developments", "key challenges", "applications", "trends"},
	models.StrategyIterative: {"detailed analysis", "recent research", "case studies"},
	models.StrategyTargeted:  {"in depth"},
	models.StrategyAcademic:  {"survey paper", "research advances", "benchmark results", "state of the art"},
	models.StrategyNews:      {"news", "announcement", "latest report", "this week"},
}

// FallbackQueries deterministically expands the topic with a fixed
// suffix list for the strategy.
func FallbackQueries(topic, strategy string, round int) []models.Query {
	suffixes, ok := fallbackSuffixes[strategy]
	if !ok {
		suffixes = fallbackSuffixes[models.StrategyInitial]
	}
	queries := make([]models.Query, 0, len(suffixes))
	for _, suffix := range suffixes {
		queries = append(queries, models.Query{
			Text:     strings.TrimSpace(topic + " " + suffix),
			Strategy: strategy,
			Round:    round,
		})
	}
	return queries
}

func buildPrompt(topic, strategy string, genCtx Context, limit int) (system, prompt string) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Topic:\n%s\n", topic))
	if genCtx.Requirements != "" {
		sb.WriteString(fmt.Sprintf("\n## Requirements:\n%s\n", genCtx.Requirements))
	}
	if genCtx.CoveredSummary != "" {
		sb.WriteString(fmt.Sprintf("\n## Already covered:\n%s\n", genCtx.CoveredSummary))
	}
	if len(genCtx.Gaps) > 0 {
		sb.WriteString("\n## Unresolved gaps:\n")
		for _, gap := range genCtx.Gaps {
			sb.WriteString("- " + gap + "\n")
		}
	}
	prompt = sb.String()

	var tmpl string
	switch strategy {
	case models.StrategyIterative:
		tmpl = `You refine research queries. Based on what was already covered,
produce follow-up search queries that deepen weak areas without
repeating covered ground.`
	case models.StrategyTargeted:
		tmpl = `You fill specific research gaps. Produce exactly one precise search
query per unresolved gap, in the same order as the gaps.`
	case models.StrategyAcademic:
		tmpl = `You write scholarly search queries for academic databases. Prefer
technical terminology an author would use in a paper title or abstract.`
	case models.StrategyNews:
		tmpl = `You write news search queries. Prefer phrasing that matches recent
headlines and announcements about the topic.`
	default:
		tmpl = `You decompose a research topic into effective search queries covering
its main facets: background, current state, key players, challenges.`
	}
	system = fmt.Sprintf(`%s

Return at most %d queries as a JSON object:
{"queries": ["first query", "second query"]}`, tmpl, limit)
	return system, prompt
}
