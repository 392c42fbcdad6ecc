package sections

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
)

// failTitleLLM fails any request whose prompt mentions the failing
// section and drafts everything else.
type failTitleLLM struct {
	failOn string
	calls  atomic.Int64
}

func (f *failTitleLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.calls.Add(1)
	if f.failOn != "" && strings.Contains(req.Prompt, f.failOn) {
		return nil, errors.New("model unavailable")
	}
	return &llm.Response{
		Text:  "Drafted content.",
		Usage: models.TokenUsage{InputTokens: 100, OutputTokens: 200},
	}, nil
}

func threeSectionOutline() models.Outline {
	return models.Outline{
		Title: "Report",
		Sections: []models.SectionStub{
			{Title: "Alpha", Requirement: "cover alpha"},
			{Title: "Beta", Requirement: "cover beta"},
			{Title: "Gamma", Requirement: "cover gamma"},
		},
	}
}

func evidence() []models.Document {
	return []models.Document{
		{Title: "alpha basics", URL: "https://e.com/1", Content: "alpha", RelevanceScore: 0.5},
		{Title: "beta deep dive", URL: "https://e.com/2", Content: "beta", RelevanceScore: 0.9},
		{Title: "unrelated", URL: "https://e.com/3", Content: "noise", RelevanceScore: 0.1},
	}
}

func TestWriteSectionsPreservesOutlineOrderAroundFailure(t *testing.T) {
	client := &failTitleLLM{failOn: "Beta"}
	gen := NewGenerator(client, nil, zap.NewNop())

	wave := gen.WriteSections(context.Background(), threeSectionOutline(), evidence(), Options{MaxWorkers: 3})

	require.Len(t, wave.Sections, 3)
	assert.Equal(t, "Alpha", wave.Sections[0].Title)
	assert.Equal(t, "Beta", wave.Sections[1].Title)
	assert.Equal(t, "Gamma", wave.Sections[2].Title)

	assert.Equal(t, 1, wave.Failed)
	assert.Equal(t, models.SectionDrafted, wave.Sections[0].Status)
	assert.Equal(t, models.SectionFailed, wave.Sections[1].Status)
	assert.Equal(t, models.SectionDrafted, wave.Sections[2].Status)
	assert.Contains(t, wave.Sections[1].Content, "could not be generated")
	assert.NotEmpty(t, wave.Sections[1].Error)
}

func TestWriteSectionsAllSucceed(t *testing.T) {
	client := &failTitleLLM{}
	gen := NewGenerator(client, nil, zap.NewNop())

	wave := gen.WriteSections(context.Background(), threeSectionOutline(), evidence(), Options{MaxWorkers: 2})

	assert.Zero(t, wave.Failed)
	assert.Len(t, wave.Usage, 3)
	assert.Equal(t, int64(3), client.calls.Load())
}

func TestWriteSectionsEmptyOutline(t *testing.T) {
	gen := NewGenerator(&failTitleLLM{}, nil, zap.NewNop())
	wave := gen.WriteSections(context.Background(), models.Outline{}, evidence(), Options{})
	assert.Empty(t, wave.Sections)
	assert.Zero(t, wave.Failed)
}

func TestWriteSectionsEmptyOutputFailsSection(t *testing.T) {
	client := &emptyLLM{}
	gen := NewGenerator(client, nil, zap.NewNop())

	wave := gen.WriteSections(context.Background(), threeSectionOutline(), evidence(), Options{})
	assert.Equal(t, 3, wave.Failed)
}

type emptyLLM struct{}

func (emptyLLM) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "   "}, nil
}

func TestSelectDocumentsPrefersKeywordOverlap(t *testing.T) {
	docs := evidence()
	selected := SelectDocuments(models.SectionStub{Title: "Alpha", Requirement: "alpha basics"}, docs, 2)

	require.NotEmpty(t, selected)
	// The alpha doc wins on keyword overlap despite lower base relevance.
	assert.Equal(t, 0, selected[0])
	assert.LessOrEqual(t, len(selected), 2)
}

func TestSelectDocumentsHonorsLimit(t *testing.T) {
	docs := make([]models.Document, 20)
	for i := range docs {
		docs[i] = models.Document{Title: "doc", URL: "https://e.com/x", RelevanceScore: 0.5}
	}
	selected := SelectDocuments(models.SectionStub{Title: "doc"}, docs, 8)
	assert.Len(t, selected, 8)
}

func TestSelectDocumentsEmptyEvidence(t *testing.T) {
	assert.Nil(t, SelectDocuments(models.SectionStub{Title: "x"}, nil, 8))
}

func TestStylePromptUsesLoadedTemplateThenBuiltins(t *testing.T) {
	gen := NewGenerator(&failTitleLLM{}, map[string]string{
		models.StyleBusiness: "custom business persona",
	}, zap.NewNop())

	assert.Equal(t, "custom business persona", gen.stylePrompt(models.StyleBusiness))
	assert.Contains(t, gen.stylePrompt(models.StyleAcademic), "academic")

	gen.SetStyles(map[string]string{models.StyleAcademic: "replaced"})
	assert.Equal(t, "replaced", gen.stylePrompt(models.StyleAcademic))
	assert.NotEqual(t, "custom business persona", gen.stylePrompt(models.StyleBusiness))
}
