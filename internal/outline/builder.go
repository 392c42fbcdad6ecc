// Package outline plans the report structure once the refinement loop
// has terminated. The outline is read-only input to content generation.
package outline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/retrypolicy"
)

const builderAgentID = "outline_writer"

// Result carries the outline plus the usage consumed planning it.
type Result struct {
	Outline models.Outline
	Usage   models.TokenUsage
	// Defaulted is set when the model output was unusable and the fixed
	// per-type outline was used instead.
	Defaulted bool
}

// Builder plans section stubs from the accumulated evidence.
type Builder struct {
	client llm.Client
	logger *zap.Logger
}

func NewBuilder(client llm.Client, logger *zap.Logger) *Builder {
	return &Builder{client: client, logger: logger}
}

type outlineResponse struct {
	Title    string `json:"title"`
	Sections []struct {
		Title       string `json:"title"`
		Requirement string `json:"requirement"`
	} `json:"sections"`
}

// Build produces the ordered section plan. Malformed structured output
// gets one stricter retry; a second failure falls back to the fixed
// outline for the task type so the session can proceed.
func (b *Builder) Build(ctx context.Context, topic, taskType string, docs []models.Document, gaps []string) (*Result, error) {
	system := fmt.Sprintf(`You plan report outlines. Produce 4 to 7 sections for a %s report,
each with a one-sentence requirement describing what the section must
cover. Order sections so the report reads front to back.

Return a JSON object:
{"title": "...", "sections": [{"title": "...", "requirement": "..."}]}`, taskType)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Topic:\n%s\n\n## Evidence titles:\n", topic))
	limit := len(docs)
	if limit > 30 {
		limit = 30
	}
	for i := 0; i < limit; i++ {
		sb.WriteString("- " + docs[i].Title + "\n")
	}
	if len(gaps) > 0 {
		sb.WriteString("\n## Known gaps (cover honestly, do not invent):\n")
		for _, g := range gaps {
			sb.WriteString("- " + g + "\n")
		}
	}
	prompt := sb.String()

	result := &Result{}
	run := func(sys string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			resp, err := b.client.Complete(ctx, llm.Request{
				AgentID:        builderAgentID,
				System:         sys,
				Prompt:         prompt,
				ResponseFormat: llm.FormatJSON,
				MaxTokens:      1024,
				Temperature:    0.3,
			})
			if err != nil {
				return err
			}
			result.Usage = resp.Usage

			var parsed outlineResponse
			if err := llm.ExtractJSON(resp.Text, &parsed); err != nil {
				return err
			}
			result.Outline = models.Outline{Title: strings.TrimSpace(parsed.Title)}
			for _, s := range parsed.Sections {
				title := strings.TrimSpace(s.Title)
				if title == "" {
					continue
				}
				result.Outline.Sections = append(result.Outline.Sections, models.SectionStub{
					Title:       title,
					Requirement: strings.TrimSpace(s.Requirement),
				})
			}
			return nil
		}
	}

	err := retrypolicy.DoStrict(ctx,
		run(system),
		run(system+"\nRespond with ONLY the JSON object. No prose, no code fences."),
	)
	if err != nil || len(result.Outline.Sections) == 0 {
		b.logger.Warn("Outline generation unusable, using default outline",
			zap.String("task_type", taskType),
			zap.Error(err),
		)
		result.Outline = DefaultOutline(topic, taskType)
		result.Defaulted = true
		return result, nil
	}
	if result.Outline.Title == "" {
		result.Outline.Title = topic
	}

	b.logger.Info("Outline created",
		zap.String("task_type", taskType),
		zap.Int("sections", len(result.Outline.Sections)),
	)
	return result, nil
}

// defaultStubs is the fixed fallback plan per task type.
var defaultStubs = map[string][]models.SectionStub{
	models.TypeAcademic: {
		{Title: "Background", Requirement: "Summarize the research context and motivation."},
		{Title: "Key Literature", Requirement: "Review the most relevant papers and their contributions."},
		{Title: "Methods and Approaches", Requirement: "Compare the main technical approaches."},
		{Title: "Open Problems", Requirement: "Identify unresolved questions and limitations."},
		{Title: "Outlook", Requirement: "Project likely research directions."},
	},
	models.TypeNews: {
		{Title: "What Happened", Requirement: "Report the key recent events."},
		{Title: "Context", Requirement: "Explain the background readers need."},
		{Title: "Reactions and Impact", Requirement: "Cover responses and consequences."},
		{Title: "What Comes Next", Requirement: "Outline expected developments."},
	},
	models.TypeMarket: {
		{Title: "Market Overview", Requirement: "Size and segment the market."},
		{Title: "Key Players", Requirement: "Profile the leading companies."},
		{Title: "Trends and Drivers", Requirement: "Analyze growth drivers and headwinds."},
		{Title: "Risks", Requirement: "Identify market risks."},
		{Title: "Outlook", Requirement: "Forecast the market trajectory."},
	},
}

// DefaultOutline returns the deterministic outline used when planning
// fails, keyed by task type with a generic research plan as default.
func DefaultOutline(topic, taskType string) models.Outline {
	stubs, ok := defaultStubs[taskType]
	if !ok {
		stubs = []models.SectionStub{
			{Title: "Introduction", Requirement: "Introduce the topic and why it matters."},
			{Title: "Current State", Requirement: "Describe the present landscape."},
			{Title: "Key Findings", Requirement: "Present the main evidence-backed findings."},
			{Title: "Challenges", Requirement: "Analyze obstacles and open questions."},
			{Title: "Conclusion", Requirement: "Summarize and draw conclusions."},
		}
	}
	out := models.Outline{Title: topic, Sections: make([]models.SectionStub, len(stubs))}
	copy(out.Sections, stubs)
	return out
}
