// Package report assembles drafted sections into the final markdown
// document, with an executive summary and a references appendix.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
)

const summaryAgentID = "summary_writer"

// SummaryResult carries the executive summary or the reason it was
// omitted; summary failure never fails the session.
type SummaryResult struct {
	Summary string
	Usage   models.TokenUsage
	Omitted bool
}

// Assembler produces the final document.
type Assembler struct {
	client llm.Client
	logger *zap.Logger
}

func NewAssembler(client llm.Client, logger *zap.Logger) *Assembler {
	return &Assembler{client: client, logger: logger}
}

// Summarize writes the executive summary from the drafted sections.
func (a *Assembler) Summarize(ctx context.Context, outline models.Outline, sections []models.Section) SummaryResult {
	var sb strings.Builder
	for _, s := range sections {
		if s.Status != models.SectionDrafted && s.Status != models.SectionApproved {
			continue
		}
		content := s.Content
		if len(content) > 1500 {
			content = content[:1500] + "..."
		}
		sb.WriteString("## " + s.Title + "\n" + content + "\n\n")
	}
	if sb.Len() == 0 {
		return SummaryResult{Omitted: true}
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		AgentID:     summaryAgentID,
		System:      "You write executive summaries. Produce one tight paragraph (120-200 words) capturing the report's main findings. No headings, no bullet lists.",
		Prompt:      fmt.Sprintf("Report title: %s\n\n%s", outline.Title, sb.String()),
		MaxTokens:   512,
		Temperature: 0.3,
	})
	if err != nil {
		a.logger.Warn("Summary generation failed, omitting summary", zap.Error(err))
		return SummaryResult{Omitted: true}
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return SummaryResult{Usage: resp.Usage, Omitted: true}
	}
	return SummaryResult{Summary: summary, Usage: resp.Usage}
}

// Assemble renders the final markdown. Sections appear strictly in
// outline order regardless of which finished first; failed sections keep
// their placeholder text. References are deduplicated across sections
// preserving first-use order.
func (a *Assembler) Assemble(outline models.Outline, sections []models.Section, docs []models.Document, summary SummaryResult) string {
	var sb strings.Builder
	sb.WriteString("# " + outline.Title + "\n\n")
	sb.WriteString("*Generated " + time.Now().Format("2006-01-02") + "*\n\n")

	if !summary.Omitted {
		sb.WriteString("## Executive Summary\n\n" + summary.Summary + "\n\n")
	}

	for _, s := range sections {
		sb.WriteString("## " + s.Title + "\n\n")
		sb.WriteString(strings.TrimSpace(s.Content))
		sb.WriteString("\n\n")
	}

	refs := collectReferences(sections, docs)
	if len(refs) > 0 {
		sb.WriteString("## References\n\n")
		for i, r := range refs {
			sb.WriteString(fmt.Sprintf("%d. [%s](%s) (%s)\n", i+1, r.Title, r.URL, r.Source))
		}
	}
	return sb.String()
}

func collectReferences(sections []models.Section, docs []models.Document) []models.Document {
	seen := make(map[int]struct{})
	var refs []models.Document
	for _, s := range sections {
		for _, idx := range s.SupportingDocuments {
			if idx < 0 || idx >= len(docs) {
				continue
			}
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			refs = append(refs, docs[idx])
		}
	}
	return refs
}
