// Package refine implements the quality-gated iterative search loop:
// generate queries, fan out searches, evaluate the evidence, and repeat
// until a termination condition holds.
package refine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/metrics"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/quality"
	"github.com/veritaslab/scribe/internal/querygen"
	"github.com/veritaslab/scribe/internal/search"
)

// Config bounds the loop.
type Config struct {
	QualityThreshold float64
	MaxIterations    int
	// StagnationRounds is the number of consecutive rounds allowed to
	// add zero new documents before the loop stops. Configurable because
	// the right threshold depends on how flaky the sources are.
	StagnationRounds int
}

func (c Config) withDefaults() Config {
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 7.0
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.StagnationRounds <= 0 {
		c.StagnationRounds = 2
	}
	return c
}

// Hooks let the orchestrator observe the loop without the loop knowing
// about the event protocol.
type Hooks struct {
	OnProgress func(message string, details map[string]interface{})
	OnUsage    func(models.TokenUsage)
}

func (h Hooks) progress(message string, details map[string]interface{}) {
	if h.OnProgress != nil {
		h.OnProgress(message, details)
	}
}

func (h Hooks) usage(u models.TokenUsage) {
	if h.OnUsage != nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
		h.OnUsage(u)
	}
}

// Outcome is what the loop hands to outline planning.
type Outcome struct {
	Quality          models.QualityScore
	Gaps             []string
	RoundsUsed       int
	ThresholdMet     bool
	StagnationStop   bool
	FallbackQueries  bool
	FallbackSearch   bool
	CollectorsFailed int
}

// Loop sequences query generation, parallel search and quality
// evaluation. The document store only ever grows across rounds.
type Loop struct {
	generator *querygen.Generator
	executor  *search.Executor
	evaluator *quality.Evaluator
	logger    *zap.Logger
}

func NewLoop(generator *querygen.Generator, executor *search.Executor, evaluator *quality.Evaluator, logger *zap.Logger) *Loop {
	return &Loop{generator: generator, executor: executor, evaluator: evaluator, logger: logger}
}

// Run executes refinement rounds until the quality gate passes, the
// round budget is spent, or the stagnation guard fires. It returns an
// error only on context cancellation; degraded collaborators degrade the
// outcome instead of failing it.
func (l *Loop) Run(ctx context.Context, task models.Task, store *search.DocumentStore, preferred, fallback []string, searchOpts search.Options, cfg Config, hooks Hooks) (*Outcome, error) {
	cfg = cfg.withDefaults()
	outcome := &Outcome{}

	stagnant := 0
	var gaps []string

	for round := 0; round < cfg.MaxIterations; round++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		outcome.RoundsUsed = round + 1

		strategy := strategyFor(task.TaskType, round, gaps)
		queries := l.generateQueries(ctx, task, strategy, gaps, store, round, outcome, hooks)
		if len(queries) == 0 {
			// Nothing searchable this round counts as stagnation.
			stagnant++
			if stagnant >= cfg.StagnationRounds {
				outcome.StagnationStop = true
				break
			}
			continue
		}

		hooks.progress("searching", map[string]interface{}{
			"round":    round,
			"queries":  len(queries),
			"strategy": strategy,
		})

		before := store.Len()
		stats := l.executor.SearchWithFallback(ctx, queries, preferred, fallback, store, searchOpts)
		outcome.CollectorsFailed += stats.Failed
		outcome.FallbackSearch = outcome.FallbackSearch || stats.FallbackUsed
		added := store.Len() - before

		if added == 0 {
			stagnant++
		} else {
			stagnant = 0
		}

		hooks.progress("evaluating evidence quality", map[string]interface{}{
			"round":     round,
			"documents": store.Len(),
			"new":       added,
		})

		docs := store.Documents()
		eval, err := l.evaluator.AnalyzeQuality(ctx, docs, task.Topic)
		if err != nil {
			if ctx.Err() != nil {
				return outcome, ctx.Err()
			}
			// Quality unknown: default to the lowest bound and bias
			// toward another round rather than accepting blind.
			l.logger.Warn("Quality unknown this round, defaulting to lowest bound",
				zap.Int("round", round),
				zap.Error(err),
			)
			outcome.Quality = models.QualityScore{Reasoning: "quality evaluation failed; defaulted to lowest bound"}
			outcome.Quality.ComputeOverall()
		} else {
			hooks.usage(eval.Usage)
			outcome.Quality = eval.Score
		}

		l.logger.Info("Refinement round complete",
			zap.Int("round", round),
			zap.Int("documents", store.Len()),
			zap.Int("new_documents", added),
			zap.Float64("overall", outcome.Quality.Overall),
			zap.Int("stagnant_rounds", stagnant),
		)

		if outcome.Quality.Overall >= cfg.QualityThreshold {
			outcome.ThresholdMet = true
			break
		}
		if stagnant >= cfg.StagnationRounds {
			outcome.StagnationStop = true
			break
		}
		if round == cfg.MaxIterations-1 {
			break
		}

		gaps = l.analyzeGaps(ctx, task.Topic, docs, outcome, hooks)
		outcome.Gaps = gaps
	}

	metrics.RefinementRounds.Observe(float64(outcome.RoundsUsed))
	metrics.QualityOverall.Observe(outcome.Quality.Overall)
	return outcome, nil
}

func (l *Loop) generateQueries(ctx context.Context, task models.Task, strategy string, gaps []string, store *search.DocumentStore, round int, outcome *Outcome, hooks Hooks) []models.Query {
	genCtx := querygen.Context{
		Gaps:           gaps,
		Requirements:   task.Requirements,
		CoveredSummary: summarizeCovered(store),
	}
	result, err := l.generator.Generate(ctx, task.Topic, strategy, genCtx, round)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Deterministic expansion guarantees forward progress without
		// another model call.
		outcome.FallbackQueries = true
		queries := querygen.FallbackQueries(task.Topic, strategy, round)
		hooks.progress("query generation degraded to deterministic expansion", map[string]interface{}{
			"round":    round,
			"strategy": strategy,
			"queries":  len(queries),
		})
		return queries
	}
	hooks.usage(result.Usage)
	return result.Queries
}

func (l *Loop) analyzeGaps(ctx context.Context, topic string, docs []models.Document, outcome *Outcome, hooks Hooks) []string {
	analysis, err := l.evaluator.AnalyzeGaps(ctx, topic, docs)
	if err != nil {
		l.logger.Warn("Gap analysis failed, next round uses iterative strategy", zap.Error(err))
		return nil
	}
	hooks.usage(analysis.Usage)
	return analysis.Gaps
}

// strategyFor picks the round strategy: the first round keys off the
// task type, later rounds target gaps when any are known.
func strategyFor(taskType string, round int, gaps []string) string {
	if round == 0 {
		switch taskType {
		case models.TypeAcademic:
			return models.StrategyAcademic
		case models.TypeNews:
			return models.StrategyNews
		default:
			return models.StrategyInitial
		}
	}
	if len(gaps) > 0 {
		return models.StrategyTargeted
	}
	return models.StrategyIterative
}

// summarizeCovered digests stored titles so the generator can avoid
// repeating covered ground.
func summarizeCovered(store *search.DocumentStore) string {
	docs := store.Documents()
	if len(docs) == 0 {
		return ""
	}
	limit := len(docs)
	if limit > 15 {
		limit = 15
	}
	titles := make([]string, 0, limit)
	for _, d := range docs[:limit] {
		titles = append(titles, d.Title)
	}
	return strings.Join(titles, "; ")
}
