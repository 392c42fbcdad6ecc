package models

import "time"

// Task types
const (
	TypeResearch      = "research"
	TypeNews          = "news"
	TypeMarket        = "market"
	TypeAcademic      = "academic"
	TypeInsights      = "insights"
	TypeComprehensive = "comprehensive"
	TypeAuto          = "auto"
)

// Query strategies
const (
	StrategyInitial   = "initial"
	StrategyIterative = "iterative"
	StrategyTargeted  = "targeted"
	StrategyAcademic  = "academic"
	StrategyNews      = "news"
)

// Source types
const (
	SourceTypeWeb      = "web"
	SourceTypeAcademic = "academic"
	SourceTypeNews     = "news"
)

// Style templates for section writing
const (
	StyleProfessional = "professional"
	StyleAcademic     = "academic"
	StyleTechnical    = "technical"
	StyleBusiness     = "business"
)

// Session statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Section statuses
const (
	SectionPending  = "pending"
	SectionDrafted  = "drafted"
	SectionFailed   = "failed"
	SectionApproved = "approved"
)

// Quality score bounds. Every dimension and the overall score live in
// [QualityMin, QualityMax]; an unknown score defaults to QualityMin.
const (
	QualityMin = 0.0
	QualityMax = 10.0
)

// Task is the immutable description of one report session.
type Task struct {
	Topic            string   `json:"topic"`
	Requirements     string   `json:"requirements"`
	TaskType         string   `json:"task_type"`
	QualityThreshold float64  `json:"quality_threshold"`
	MaxIterations    int      `json:"max_iterations"`
	Style            string   `json:"style"`
	DaysBack         int      `json:"days_back"`
	MaxWorkers       int      `json:"max_workers"`
	AutoConfirm      bool     `json:"auto_confirm"`
	Sources          []string `json:"sources,omitempty"`
}

// Query is one search query produced by the query generator.
type Query struct {
	Text     string `json:"text"`
	Strategy string `json:"strategy"`
	Round    int    `json:"round"`
}

// Document is one retrieved evidence item. Documents are never mutated
// after they are merged into a store.
type Document struct {
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	URL            string   `json:"url"`
	Source         string   `json:"source"`
	SourceType     string   `json:"source_type"`
	PublishDate    string   `json:"publish_date,omitempty"`
	Authors        []string `json:"authors,omitempty"`
	Venue          string   `json:"venue,omitempty"`
	Language       string   `json:"language,omitempty"`
	RelevanceScore float64  `json:"relevance_score,omitempty"`
}

// QualityScore is a per-round judgment of the accumulated evidence.
// Overall is recomputed from the four dimensions, never patched in place.
type QualityScore struct {
	Relevance    float64 `json:"relevance"`
	Credibility  float64 `json:"credibility"`
	Completeness float64 `json:"completeness"`
	Timeliness   float64 `json:"timeliness"`
	Overall      float64 `json:"overall"`
	Reasoning    string  `json:"reasoning,omitempty"`
}

// ComputeOverall derives the weighted overall score from the four
// dimensions and clamps it to the declared bounds.
func (q *QualityScore) ComputeOverall() {
	v := 0.35*q.Relevance + 0.25*q.Credibility + 0.25*q.Completeness + 0.15*q.Timeliness
	if v < QualityMin {
		v = QualityMin
	}
	if v > QualityMax {
		v = QualityMax
	}
	q.Overall = v
}

// SectionStub is one planned section of the outline.
type SectionStub struct {
	Title       string `json:"title"`
	Requirement string `json:"requirement"`
}

// Outline is the ordered section plan produced after the refinement loop.
type Outline struct {
	Title    string        `json:"title"`
	Sections []SectionStub `json:"sections"`
}

// Section is one drafted section of the final report.
// SupportingDocuments holds indexes into the accumulated set rather than
// copies of the documents themselves.
type Section struct {
	Title               string `json:"title"`
	Content             string `json:"content"`
	SupportingDocuments []int  `json:"supporting_documents,omitempty"`
	Status              string `json:"status"`
	Error               string `json:"error,omitempty"`
}

// TokenUsage tracks token consumption reported by the LLM collaborator.
type TokenUsage struct {
	Provider     string `json:"model_provider"`
	Model        string `json:"model_name"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ResultMetadata enumerates partial failures so a partial-confidence
// success is distinguishable from a hard failure.
type ResultMetadata struct {
	TaskType         string `json:"task_type"`
	RoundsUsed       int    `json:"rounds_used"`
	DocumentCount    int    `json:"document_count"`
	SectionsFailed   int    `json:"sections_failed"`
	CollectorsFailed int    `json:"collectors_failed"`
	FallbackUsed     bool   `json:"fallback_used"`
	ThresholdMet     bool   `json:"threshold_met"`
	StagnationStop   bool   `json:"stagnation_stop,omitempty"`
	SummaryOmitted   bool   `json:"summary_omitted,omitempty"`
}

// TaskResult is the final outcome of one session.
type TaskResult struct {
	Success       bool           `json:"success"`
	Status        string         `json:"status"`
	OutputContent string         `json:"output_content,omitempty"`
	QualityScore  *QualityScore  `json:"quality_score,omitempty"`
	Metadata      ResultMetadata `json:"metadata"`
	ExecutionTime time.Duration  `json:"execution_time_ms"`
}
