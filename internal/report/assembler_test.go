package report

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
)

type stubLLM struct {
	text string
	err  error
}

func (s *stubLLM) Complete(context.Context, llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text, Usage: models.TokenUsage{InputTokens: 4, OutputTokens: 9}}, nil
}

func draftedSections() []models.Section {
	return []models.Section{
		{Title: "Alpha", Content: "Alpha body.", Status: models.SectionDrafted, SupportingDocuments: []int{0, 1}},
		{Title: "Beta", Content: "*This section could not be generated: timeout*", Status: models.SectionFailed},
		{Title: "Gamma", Content: "Gamma body.", Status: models.SectionDrafted, SupportingDocuments: []int{1, 2}},
	}
}

func refDocs() []models.Document {
	return []models.Document{
		{Title: "first", URL: "https://e.com/1", Source: "tavily"},
		{Title: "second", URL: "https://e.com/2", Source: "arxiv"},
		{Title: "third", URL: "https://e.com/3", Source: "newsapi"},
	}
}

func TestAssembleKeepsOutlineOrderIncludingFailures(t *testing.T) {
	a := NewAssembler(&stubLLM{text: "summary"}, zap.NewNop())
	plan := models.Outline{Title: "Report"}

	out := a.Assemble(plan, draftedSections(), refDocs(), SummaryResult{Summary: "The summary."})

	alphaPos := strings.Index(out, "## Alpha")
	betaPos := strings.Index(out, "## Beta")
	gammaPos := strings.Index(out, "## Gamma")
	require.NotEqual(t, -1, alphaPos)
	require.NotEqual(t, -1, betaPos)
	require.NotEqual(t, -1, gammaPos)
	assert.Less(t, alphaPos, betaPos)
	assert.Less(t, betaPos, gammaPos)
	assert.Contains(t, out, "could not be generated")
	assert.Contains(t, out, "The summary.")
}

func TestAssembleDeduplicatesReferencesInFirstUseOrder(t *testing.T) {
	a := NewAssembler(&stubLLM{}, zap.NewNop())

	out := a.Assemble(models.Outline{Title: "R"}, draftedSections(), refDocs(), SummaryResult{Omitted: true})

	// Doc 1 is cited by both Alpha and Gamma but must appear once.
	assert.Equal(t, 1, strings.Count(out, "https://e.com/2"))
	first := strings.Index(out, "https://e.com/1")
	second := strings.Index(out, "https://e.com/2")
	third := strings.Index(out, "https://e.com/3")
	assert.Less(t, first, second)
	assert.Less(t, second, third)
}

func TestAssembleOmitsSummaryHeadingWhenOmitted(t *testing.T) {
	a := NewAssembler(&stubLLM{}, zap.NewNop())
	out := a.Assemble(models.Outline{Title: "R"}, draftedSections(), refDocs(), SummaryResult{Omitted: true})
	assert.NotContains(t, out, "Executive Summary")
}

func TestSummarizeSkipsFailedSections(t *testing.T) {
	a := NewAssembler(&stubLLM{text: "ok summary"}, zap.NewNop())
	result := a.Summarize(context.Background(), models.Outline{Title: "R"}, draftedSections())

	assert.False(t, result.Omitted)
	assert.Equal(t, "ok summary", result.Summary)
}

func TestSummarizeOmittedWhenNothingDrafted(t *testing.T) {
	a := NewAssembler(&stubLLM{text: "unused"}, zap.NewNop())
	failed := []models.Section{{Title: "X", Status: models.SectionFailed}}

	result := a.Summarize(context.Background(), models.Outline{}, failed)
	assert.True(t, result.Omitted)
}

func TestSummarizeOmittedOnModelFailure(t *testing.T) {
	a := NewAssembler(&stubLLM{err: errors.New("down")}, zap.NewNop())

	result := a.Summarize(context.Background(), models.Outline{Title: "R"}, draftedSections())
	assert.True(t, result.Omitted)
	assert.Empty(t, result.Summary)
}
