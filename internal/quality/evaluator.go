// Package quality scores accumulated evidence against a topic on fixed
// dimensions and identifies coverage gaps for the next refinement round.
package quality

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/retrypolicy"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

const (
	// maxDocsInPrompt caps how much evidence one judgment sees.
	maxDocsInPrompt    = 20
	maxSnippetChars    = 400
	strictInstruction  = "Respond with ONLY the JSON object. No prose, no code fences, no explanation."
	evaluatorAgentID   = "quality_evaluator"
	gapAnalyzerAgentID = "gap_analyzer"
)

// Evaluation is one round's judgment plus the usage it consumed.
type Evaluation struct {
	Score models.QualityScore
	Usage models.TokenUsage
}

// GapAnalysis lists missing subtopics in priority order.
type GapAnalysis struct {
	Gaps  []string
	Usage models.TokenUsage
}

// Evaluator issues structured model judgments against a fixed rubric.
type Evaluator struct {
	client llm.Client
	logger *zap.Logger
}

func NewEvaluator(client llm.Client, logger *zap.Logger) *Evaluator {
	return &Evaluator{client: client, logger: logger}
}

type scoredResponse struct {
	Relevance    float64 `json:"relevance"`
	Credibility  float64 `json:"credibility"`
	Completeness float64 `json:"completeness"`
	Timeliness   float64 `json:"timeliness"`
	Reasoning    string  `json:"reasoning"`
}

// AnalyzeQuality scores documents against the topic. Malformed
// structured output gets exactly one stricter retry; a second failure
// surfaces as QualityEvaluationError and the caller treats quality as
// unknown (lowest bound), biasing toward another refinement round.
func (e *Evaluator) AnalyzeQuality(ctx context.Context, docs []models.Document, topic string) (*Evaluation, error) {
	if len(docs) == 0 {
		// Nothing retrieved scores at the bottom of every dimension.
		score := models.QualityScore{Reasoning: "no evidence retrieved"}
		score.ComputeOverall()
		return &Evaluation{Score: score}, nil
	}

	content := buildEvidenceDigest(docs, topic)
	eval := &Evaluation{}

	run := func(system string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			resp, err := e.client.Complete(ctx, llm.Request{
				AgentID:        evaluatorAgentID,
				System:         system,
				Prompt:         content,
				ResponseFormat: llm.FormatJSON,
				MaxTokens:      1024,
				Temperature:    0.1,
			})
			if err != nil {
				return err
			}
			eval.Usage = resp.Usage

			var parsed scoredResponse
			if err := llm.ExtractJSON(resp.Text, &parsed); err != nil {
				return err
			}
			eval.Score = models.QualityScore{
				Relevance:    clamp(parsed.Relevance),
				Credibility:  clamp(parsed.Credibility),
				Completeness: clamp(parsed.Completeness),
				Timeliness:   clamp(parsed.Timeliness),
				Reasoning:    parsed.Reasoning,
			}
			eval.Score.ComputeOverall()
			return nil
		}
	}

	err := retrypolicy.DoStrict(ctx,
		run(qualityRubric),
		run(qualityRubric+"\n"+strictInstruction),
	)
	if err != nil {
		e.logger.Warn("Quality evaluation failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil, &taskerrors.QualityEvaluationError{Err: err}
	}

	e.logger.Info("Quality evaluated",
		zap.Float64("overall", eval.Score.Overall),
		zap.Float64("relevance", eval.Score.Relevance),
		zap.Float64("completeness", eval.Score.Completeness),
		zap.Int("documents", len(docs)),
	)
	return eval, nil
}

type gapResponse struct {
	Gaps []string `json:"gaps"`
}

// AnalyzeGaps returns the ordered list of missing subtopics that should
// drive the next round's targeted queries.
func (e *Evaluator) AnalyzeGaps(ctx context.Context, topic string, docs []models.Document) (*GapAnalysis, error) {
	content := buildEvidenceDigest(docs, topic)
	analysis := &GapAnalysis{}

	run := func(system string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			resp, err := e.client.Complete(ctx, llm.Request{
				AgentID:        gapAnalyzerAgentID,
				System:         system,
				Prompt:         content,
				ResponseFormat: llm.FormatJSON,
				MaxTokens:      1024,
				Temperature:    0.2,
			})
			if err != nil {
				return err
			}
			analysis.Usage = resp.Usage

			var parsed gapResponse
			if err := llm.ExtractJSON(resp.Text, &parsed); err != nil {
				return err
			}
			analysis.Gaps = parsed.Gaps
			return nil
		}
	}

	err := retrypolicy.DoStrict(ctx,
		run(gapRubric),
		run(gapRubric+"\n"+strictInstruction),
	)
	if err != nil {
		return nil, &taskerrors.QualityEvaluationError{Err: err}
	}
	return analysis, nil
}

func clamp(v float64) float64 {
	if v < models.QualityMin {
		return models.QualityMin
	}
	if v > models.QualityMax {
		return models.QualityMax
	}
	return v
}

const qualityRubric = `You are an evidence quality evaluator. Score the collected documents
against the research topic on four dimensions, each from 0 to 10:
- relevance: how directly the documents address the topic
- credibility: reliability of the sources and claims
- completeness: how much of the topic the documents cover together
- timeliness: how current the documents are for this topic

Score only substantive information. Statements like "no data available"
or proxy information about adjacent entities do not count as coverage.

Return a JSON object:
{"relevance": 7.5, "credibility": 6.0, "completeness": 5.0, "timeliness": 8.0, "reasoning": "..."}`

const gapRubric = `You are a research gap analyst. Compare the collected documents against
what a complete treatment of the topic would need and list the missing
subtopics, most important first. Name concrete subtopics, not generic
advice.

Return a JSON object:
{"gaps": ["subtopic one", "subtopic two"]}`

func buildEvidenceDigest(docs []models.Document, topic string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Topic:\n%s\n\n## Collected Evidence (%d documents):\n", topic, len(docs)))
	n := len(docs)
	if n > maxDocsInPrompt {
		n = maxDocsInPrompt
	}
	for i := 0; i < n; i++ {
		d := docs[i]
		snippet := d.Content
		if len(snippet) > maxSnippetChars {
			snippet = snippet[:maxSnippetChars] + "..."
		}
		sb.WriteString(fmt.Sprintf("%d. [%s/%s] %s", i+1, d.Source, d.SourceType, d.Title))
		if d.PublishDate != "" {
			sb.WriteString(" (" + d.PublishDate + ")")
		}
		sb.WriteString("\n")
		sb.WriteString(snippet)
		sb.WriteString("\n\n")
	}
	if len(docs) > n {
		sb.WriteString(fmt.Sprintf("(%d more documents omitted)\n", len(docs)-n))
	}
	return sb.String()
}
