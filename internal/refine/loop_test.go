package refine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/collectors"
	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/quality"
	"github.com/veritaslab/scribe/internal/querygen"
	"github.com/veritaslab/scribe/internal/retrypolicy"
	"github.com/veritaslab/scribe/internal/search"
)

// scriptedLLM answers each agent with a canned response.
type scriptedLLM struct {
	byAgent map[string]string
	err     error
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	text, ok := s.byAgent[req.AgentID]
	if !ok {
		return nil, errors.New("unexpected agent: " + req.AgentID)
	}
	return &llm.Response{
		Text:  text,
		Usage: models.TokenUsage{Model: "stub", InputTokens: 10, OutputTokens: 20},
	}, nil
}

// loopCollector returns the same fixed documents every call, so round
// two adds nothing after deduplication.
type loopCollector struct {
	docs []models.Document
}

func (c *loopCollector) Name() string       { return "stub" }
func (c *loopCollector) SourceType() string { return models.SourceTypeWeb }
func (c *loopCollector) Search(context.Context, string, int, int) ([]models.Document, error) {
	return c.docs, nil
}

func newLoop(client llm.Client, docs []models.Document) (*Loop, *search.DocumentStore) {
	reg := collectors.NewSourceRegistry(&loopCollector{docs: docs})
	policy := retrypolicy.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	exec := search.NewExecutor(reg, policy, zap.NewNop())
	gen := querygen.NewGenerator(client, time.Second, zap.NewNop())
	eval := quality.NewEvaluator(client, zap.NewNop())
	loop := NewLoop(gen, exec, eval, zap.NewNop())
	store := search.NewDocumentStore(reg.Priority)
	return loop, store
}

func fixedDocs() []models.Document {
	return []models.Document{
		{Title: "one", URL: "https://example.com/1", Source: "stub"},
		{Title: "two", URL: "https://example.com/2", Source: "stub"},
		{Title: "three", URL: "https://example.com/3", Source: "stub"},
	}
}

const queriesJSON = `{"queries": ["alpha beta", "alpha gamma"]}`

func TestRunStopsWhenThresholdMet(t *testing.T) {
	client := &scriptedLLM{byAgent: map[string]string{
		"query_generator":   queriesJSON,
		"quality_evaluator": `{"relevance": 9, "credibility": 9, "completeness": 9, "timeliness": 9}`,
	}}
	loop, store := newLoop(client, fixedDocs())

	outcome, err := loop.Run(context.Background(), models.Task{Topic: "topic"}, store,
		[]string{"stub"}, nil, search.Options{}, Config{QualityThreshold: 7, MaxIterations: 3}, Hooks{})
	require.NoError(t, err)

	assert.True(t, outcome.ThresholdMet)
	assert.Equal(t, 1, outcome.RoundsUsed)
	assert.Equal(t, 3, store.Len())
	assert.InDelta(t, 9.0, outcome.Quality.Overall, 0.001)
}

func TestRunStagnationGuardStopsByRoundTwo(t *testing.T) {
	// Low quality keeps the loop going; identical queries and identical
	// documents mean round two adds nothing, so the guard fires.
	client := &scriptedLLM{byAgent: map[string]string{
		"query_generator":   queriesJSON,
		"quality_evaluator": `{"relevance": 2, "credibility": 2, "completeness": 2, "timeliness": 2}`,
		"gap_analyzer":      `{"gaps": []}`,
	}}
	loop, store := newLoop(client, fixedDocs())

	outcome, err := loop.Run(context.Background(), models.Task{Topic: "topic"}, store,
		[]string{"stub"}, nil, search.Options{},
		Config{QualityThreshold: 7, MaxIterations: 5, StagnationRounds: 1}, Hooks{})
	require.NoError(t, err)

	assert.True(t, outcome.StagnationStop)
	assert.False(t, outcome.ThresholdMet)
	assert.Equal(t, 2, outcome.RoundsUsed)
	assert.Equal(t, 3, store.Len())
}

func TestRunDefaultsQualityToLowestBoundOnEvaluatorFailure(t *testing.T) {
	// The evaluator gets garbage twice (normal then strict), so quality
	// is unknown and must default to the bottom of the scale.
	client := &scriptedLLM{byAgent: map[string]string{
		"query_generator":   queriesJSON,
		"quality_evaluator": `not json at all`,
		"gap_analyzer":      `{"gaps": []}`,
	}}
	loop, store := newLoop(client, fixedDocs())

	outcome, err := loop.Run(context.Background(), models.Task{Topic: "topic"}, store,
		[]string{"stub"}, nil, search.Options{},
		Config{QualityThreshold: 7, MaxIterations: 2, StagnationRounds: 2}, Hooks{})
	require.NoError(t, err)

	assert.False(t, outcome.ThresholdMet)
	assert.Equal(t, models.QualityMin, outcome.Quality.Overall)
	// Unknown quality biases toward more rounds, so the budget is spent.
	assert.Equal(t, 2, outcome.RoundsUsed)
}

func TestRunFallsBackToDeterministicQueries(t *testing.T) {
	// Query generation fails outright; the loop must still search using
	// deterministic topic expansion.
	client := &scriptedLLM{byAgent: map[string]string{
		"quality_evaluator": `{"relevance": 9, "credibility": 9, "completeness": 9, "timeliness": 9}`,
	}}
	loop, store := newLoop(client, fixedDocs())

	outcome, err := loop.Run(context.Background(), models.Task{Topic: "solar power"}, store,
		[]string{"stub"}, nil, search.Options{}, Config{QualityThreshold: 7, MaxIterations: 3}, Hooks{})
	require.NoError(t, err)

	assert.True(t, outcome.FallbackQueries)
	assert.True(t, outcome.ThresholdMet)
	assert.Equal(t, 3, store.Len())
}

func TestRunReturnsErrorOnCancelledContext(t *testing.T) {
	client := &scriptedLLM{byAgent: map[string]string{}}
	loop, store := newLoop(client, fixedDocs())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loop.Run(ctx, models.Task{Topic: "topic"}, store,
		[]string{"stub"}, nil, search.Options{}, Config{}, Hooks{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStrategySelection(t *testing.T) {
	assert.Equal(t, models.StrategyAcademic, strategyFor(models.TypeAcademic, 0, nil))
	assert.Equal(t, models.StrategyNews, strategyFor(models.TypeNews, 0, nil))
	assert.Equal(t, models.StrategyInitial, strategyFor(models.TypeResearch, 0, nil))
	assert.Equal(t, models.StrategyTargeted, strategyFor(models.TypeResearch, 1, []string{"gap"}))
	assert.Equal(t, models.StrategyIterative, strategyFor(models.TypeResearch, 2, nil))
}
