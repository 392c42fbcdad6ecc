// Package orchestrator sequences one report session from intent
// classification through refinement, planning, drafting and assembly.
// The session state machine is strictly sequential; parallelism exists
// only inside the search and content generation waves it invokes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/config"
	"github.com/veritaslab/scribe/internal/db"
	"github.com/veritaslab/scribe/internal/intent"
	"github.com/veritaslab/scribe/internal/metrics"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/outline"
	"github.com/veritaslab/scribe/internal/refine"
	"github.com/veritaslab/scribe/internal/report"
	"github.com/veritaslab/scribe/internal/search"
	"github.com/veritaslab/scribe/internal/sections"
	"github.com/veritaslab/scribe/internal/session"
	"github.com/veritaslab/scribe/internal/streaming"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

// Stage names, in execution order. They appear verbatim in progress
// events, metrics labels and the session record.
const (
	StageIntent     = "intent_classification"
	StageRefinement = "refinement"
	StageOutline    = "outline"
	StageReview     = "outline_review"
	StageContent    = "content_generation"
	StageSummary    = "summary"
	StageAssembly   = "assembly"
	StageDone       = "done"
)

// ContentEnricher fetches fuller text for a document URL. Search APIs
// return short snippets; section writing works better on article text.
type ContentEnricher interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

// UserInteraction lets an interactive front end approve or adjust the
// outline before drafting. A nil implementation skips review entirely.
type UserInteraction interface {
	// GetConfirmation asks a yes/no question; false rejects the outline
	// and falls back to the fixed per-type plan.
	GetConfirmation(ctx context.Context, prompt string) (bool, error)
	// GetChoice picks one of options; used to drop a planned section.
	GetChoice(ctx context.Context, prompt string, options []string) (int, error)
}

// Orchestrator wires the collaborators together. All fields are
// required except sessions, archive and interaction.
type Orchestrator struct {
	classifier  *intent.Classifier
	loop        *refine.Loop
	executor    *search.Executor
	builder     *outline.Builder
	writer      *sections.Generator
	assembler   *report.Assembler
	emitter     *streaming.Emitter
	sessions    *session.Manager
	archive     *db.Archive
	interaction UserInteraction
	enricher    ContentEnricher
	cfg         *config.Config
	logger      *zap.Logger
}

// New validates that every required collaborator is present. A nil
// required collaborator is a deployment mistake, reported as fatal
// before any session can start.
func New(
	classifier *intent.Classifier,
	loop *refine.Loop,
	executor *search.Executor,
	builder *outline.Builder,
	writer *sections.Generator,
	assembler *report.Assembler,
	emitter *streaming.Emitter,
	cfg *config.Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	switch {
	case classifier == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil intent classifier")
	case loop == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil refinement loop")
	case executor == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil search executor")
	case builder == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil outline builder")
	case writer == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil section generator")
	case assembler == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil report assembler")
	case emitter == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil event emitter")
	case cfg == nil:
		return nil, taskerrors.FatalConfig("orchestrator: nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		classifier: classifier,
		loop:       loop,
		executor:   executor,
		builder:    builder,
		writer:     writer,
		assembler:  assembler,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// WithSessions attaches the Redis session store.
func (o *Orchestrator) WithSessions(m *session.Manager) *Orchestrator {
	o.sessions = m
	return o
}

// WithArchive attaches the SQLite result archive.
func (o *Orchestrator) WithArchive(a *db.Archive) *Orchestrator {
	o.archive = a
	return o
}

// WithInteraction attaches an outline review channel. Review only runs
// when the task did not set AutoConfirm.
func (o *Orchestrator) WithInteraction(ui UserInteraction) *Orchestrator {
	o.interaction = ui
	return o
}

// WithEnricher attaches page-content enrichment for snippet documents.
func (o *Orchestrator) WithEnricher(e ContentEnricher) *Orchestrator {
	o.enricher = e
	return o
}

// Execute runs one session to completion and returns its result. The
// result is also published as the terminal event on the session stream,
// so callers may consume either. Execute never panics a session; every
// failure path produces a terminal Result or Error event first.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string, task models.Task) models.TaskResult {
	start := time.Now()
	log := o.logger.With(zap.String("session_id", sessionID), zap.String("topic", task.Topic))

	if o.cfg.Server.SessionDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Server.SessionDeadline)
		defer cancel()
	}

	metrics.SessionsStarted.WithLabelValues(nonEmpty(task.TaskType, models.TypeAuto)).Inc()
	o.updateSession(sessionID, func(rec *session.Record) {
		rec.Status = models.StatusRunning
	})

	result := o.run(ctx, sessionID, task, log)
	result.ExecutionTime = time.Since(start)

	metrics.SessionsCompleted.WithLabelValues(result.Metadata.TaskType, result.Status).Inc()
	metrics.SessionDuration.WithLabelValues(result.Metadata.TaskType).Observe(time.Since(start).Seconds())

	o.updateSession(sessionID, func(rec *session.Record) {
		rec.Status = result.Status
		rec.Stage = StageDone
		rec.RoundsUsed = result.Metadata.RoundsUsed
		rec.Result = &result
	})
	if o.archive != nil {
		o.archive.RecordResult(sessionID, task, result)
	}
	o.emitter.Publish(sessionID, streaming.Result(result))

	log.Info("Session finished",
		zap.String("status", result.Status),
		zap.Bool("success", result.Success),
		zap.Int("rounds", result.Metadata.RoundsUsed),
		zap.Int("documents", result.Metadata.DocumentCount),
		zap.Duration("elapsed", result.ExecutionTime))
	return result
}

func (o *Orchestrator) run(ctx context.Context, sessionID string, task models.Task, log *zap.Logger) models.TaskResult {
	meta := models.ResultMetadata{}

	// Stage: intent classification. Pure rule lookup, cannot fail.
	o.enterStage(ctx, sessionID, StageIntent, "Classifying task intent", nil)
	stageStart := time.Now()
	taskType := o.classifier.Resolve(task.TaskType, task.Topic+" "+task.Requirements)
	task.TaskType = taskType
	meta.TaskType = taskType
	metrics.StageDuration.WithLabelValues(StageIntent).Observe(time.Since(stageStart).Seconds())
	o.stageDone(sessionID, StageIntent, "Task classified", map[string]interface{}{"task_type": taskType})
	if r, done := o.checkCancelled(ctx, meta); done {
		return r
	}

	// Stage: the refinement loop (query generation, search waves,
	// quality gate). The store accumulates across rounds.
	o.enterStage(ctx, sessionID, StageRefinement, "Collecting evidence", nil)
	stageStart = time.Now()
	store := search.NewDocumentStore(o.executor.SourcePriority())
	searchOpts := o.searchOptions(task)
	loopCfg := refine.Config{
		QualityThreshold: task.QualityThreshold,
		MaxIterations:    task.MaxIterations,
		StagnationRounds: o.cfg.Refine.StagnationRounds,
	}
	if loopCfg.QualityThreshold <= 0 {
		loopCfg.QualityThreshold = o.cfg.Refine.QualityThreshold
	}
	if loopCfg.MaxIterations <= 0 {
		loopCfg.MaxIterations = o.cfg.Refine.MaxIterations
	}
	preferred, fallback := o.sourcesFor(task)
	hooks := refine.Hooks{
		OnProgress: func(message string, details map[string]interface{}) {
			o.emitter.Publish(sessionID, streaming.Progress(StageRefinement, message, details))
		},
		OnUsage: func(u models.TokenUsage) {
			o.emitter.Publish(sessionID, streaming.Usage(u))
		},
	}
	outcome, err := o.loop.Run(ctx, task, store, preferred, fallback, searchOpts, loopCfg, hooks)
	metrics.StageDuration.WithLabelValues(StageRefinement).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		// The loop only errors on context cancellation or deadline.
		if r, done := o.checkCancelled(ctx, withOutcome(meta, outcome, store)); done {
			return r
		}
		return o.fail(sessionID, StageRefinement, err, withOutcome(meta, outcome, store))
	}
	meta = withOutcome(meta, outcome, store)
	docs := store.Documents()
	if len(docs) == 0 {
		// No evidence at all: a report would be fabrication.
		return o.fail(sessionID, StageRefinement,
			errors.New("no documents collected after all refinement rounds"), meta)
	}
	o.updateSession(sessionID, func(rec *session.Record) { rec.RoundsUsed = outcome.RoundsUsed })
	o.stageDone(sessionID, StageRefinement, "Evidence collection finished", map[string]interface{}{
		"documents":     len(docs),
		"rounds_used":   outcome.RoundsUsed,
		"quality":       outcome.Quality.Overall,
		"threshold_met": outcome.ThresholdMet,
	})
	if r, done := o.checkCancelled(ctx, meta); done {
		return r
	}

	// Stage: outline. Never fails; falls back to the fixed plan.
	o.enterStage(ctx, sessionID, StageOutline, "Planning report outline", nil)
	stageStart = time.Now()
	plan, err := o.builder.Build(ctx, task.Topic, taskType, docs, outcome.Gaps)
	metrics.StageDuration.WithLabelValues(StageOutline).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		if r, done := o.checkCancelled(ctx, meta); done {
			return r
		}
		return o.fail(sessionID, StageOutline, err, meta)
	}
	o.publishUsage(sessionID, plan.Usage)
	outlinePlan := plan.Outline
	o.stageDone(sessionID, StageOutline, "Outline ready", map[string]interface{}{
		"sections":  len(outlinePlan.Sections),
		"defaulted": plan.Defaulted,
	})

	// Stage: optional outline review.
	if o.interaction != nil && !task.AutoConfirm {
		outlinePlan = o.reviewOutline(ctx, sessionID, task, outlinePlan)
	}
	if r, done := o.checkCancelled(ctx, meta); done {
		return r
	}

	// Snippet documents get their page content pulled before drafting.
	// Failures keep the snippet; enrichment never blocks the session.
	if o.enricher != nil {
		enriched := o.enrichDocuments(ctx, docs)
		if enriched > 0 {
			o.emitter.Publish(sessionID, streaming.Progress(StageContent, "Source content enriched", map[string]interface{}{
				"enriched": enriched,
			}))
		}
	}
	if r, done := o.checkCancelled(ctx, meta); done {
		return r
	}

	// Stage: content generation. Per-section failures become
	// placeholders; the wave itself never fails.
	o.enterStage(ctx, sessionID, StageContent, "Drafting sections", map[string]interface{}{
		"sections": len(outlinePlan.Sections),
	})
	stageStart = time.Now()
	wave := o.writer.WriteSections(ctx, outlinePlan, docs, sections.Options{
		MaxWorkers:        o.sectionWorkers(task),
		PerSectionTimeout: o.cfg.Sections.PerSectionTimeout,
		MaxDocsPerSection: o.cfg.Sections.MaxDocsPerSection,
		Style:             task.Style,
	})
	metrics.StageDuration.WithLabelValues(StageContent).Observe(time.Since(stageStart).Seconds())
	for _, u := range wave.Usage {
		o.publishUsage(sessionID, u)
	}
	meta.SectionsFailed = wave.Failed
	o.stageDone(sessionID, StageContent, "Sections drafted", map[string]interface{}{
		"drafted": len(wave.Sections) - wave.Failed,
		"failed":  wave.Failed,
	})
	if wave.Failed == len(wave.Sections) {
		return o.fail(sessionID, StageContent,
			fmt.Errorf("all %d sections failed to generate", wave.Failed), meta)
	}
	if r, done := o.checkCancelled(ctx, meta); done {
		return r
	}

	// Stage: executive summary. Omission degrades, never fails.
	o.enterStage(ctx, sessionID, StageSummary, "Writing executive summary", nil)
	stageStart = time.Now()
	summary := o.assembler.Summarize(ctx, outlinePlan, wave.Sections)
	metrics.StageDuration.WithLabelValues(StageSummary).Observe(time.Since(stageStart).Seconds())
	o.publishUsage(sessionID, summary.Usage)
	meta.SummaryOmitted = summary.Omitted
	o.stageDone(sessionID, StageSummary, "Summary stage finished", map[string]interface{}{
		"omitted": summary.Omitted,
	})
	if r, done := o.checkCancelled(ctx, meta); done {
		return r
	}

	// Stage: assembly. Pure formatting.
	o.enterStage(ctx, sessionID, StageAssembly, "Assembling final report", nil)
	stageStart = time.Now()
	content := o.assembler.Assemble(outlinePlan, wave.Sections, docs, summary)
	metrics.StageDuration.WithLabelValues(StageAssembly).Observe(time.Since(stageStart).Seconds())
	o.stageDone(sessionID, StageAssembly, "Report assembled", map[string]interface{}{
		"length": len(content),
	})

	score := outcome.Quality
	log.Debug("Session succeeded", zap.Float64("quality", score.Overall))
	return models.TaskResult{
		Success:       true,
		Status:        models.StatusCompleted,
		OutputContent: content,
		QualityScore:  &score,
		Metadata:      meta,
	}
}

// Enrichment bounds: only short snippets are worth a page fetch, and
// one session never fetches more than a handful of pages.
const (
	enrichMinContentChars = 400
	enrichMaxDocs         = 8
	enrichWorkers         = 4
)

// enrichDocuments replaces short snippet content in docs with extracted
// page text and reports how many documents were enriched. Academic
// sources keep their abstracts. Each worker writes only its own index,
// so the slice needs no lock.
func (o *Orchestrator) enrichDocuments(ctx context.Context, docs []models.Document) int {
	targets := make([]int, 0, enrichMaxDocs)
	for i, d := range docs {
		if d.SourceType == models.SourceTypeAcademic || d.URL == "" {
			continue
		}
		if len(d.Content) >= enrichMinContentChars {
			continue
		}
		targets = append(targets, i)
		if len(targets) == enrichMaxDocs {
			break
		}
	}
	if len(targets) == 0 {
		return 0
	}

	var enriched atomic.Int32
	sem := make(chan struct{}, enrichWorkers)
	var wg sync.WaitGroup
	for _, idx := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			text, err := o.enricher.Extract(ctx, docs[i].URL)
			if err != nil {
				o.logger.Debug("Page enrichment skipped",
					zap.String("url", docs[i].URL),
					zap.Error(err),
				)
				return
			}
			docs[i].Content = text
			enriched.Add(1)
		}(idx)
	}
	wg.Wait()
	return int(enriched.Load())
}

// reviewOutline runs the interactive approval round. Interaction errors
// are treated as approval so a broken front end cannot wedge a session.
func (o *Orchestrator) reviewOutline(ctx context.Context, sessionID string, task models.Task, plan models.Outline) models.Outline {
	o.enterStage(ctx, sessionID, StageReview, "Awaiting outline review", map[string]interface{}{
		"sections": sectionTitles(plan),
	})
	ok, err := o.interaction.GetConfirmation(ctx, fmt.Sprintf(
		"Proceed with this %d-section outline for %q?", len(plan.Sections), plan.Title))
	if err != nil {
		o.logger.Warn("Outline review unavailable, proceeding", zap.Error(err))
		return plan
	}
	if ok {
		o.stageDone(sessionID, StageReview, "Outline approved", nil)
		return plan
	}

	// Rejected: offer to drop one section, else use the fixed plan.
	options := append(sectionTitles(plan), "use default outline")
	choice, err := o.interaction.GetChoice(ctx, "Remove a section, or fall back to the default outline:", options)
	if err != nil || choice < 0 || choice >= len(options) {
		o.logger.Warn("Outline choice unavailable, proceeding with original plan", zap.Error(err))
		return plan
	}
	if choice == len(options)-1 {
		o.stageDone(sessionID, StageReview, "Outline replaced with default", nil)
		return outline.DefaultOutline(task.Topic, task.TaskType)
	}
	plan.Sections = append(plan.Sections[:choice], plan.Sections[choice+1:]...)
	o.stageDone(sessionID, StageReview, "Section removed", map[string]interface{}{
		"removed": options[choice],
	})
	return plan
}

// checkCancelled turns a dead context into a terminal cancelled result.
// Cancellation is an outcome, not an error.
func (o *Orchestrator) checkCancelled(ctx context.Context, meta models.ResultMetadata) (models.TaskResult, bool) {
	if ctx.Err() == nil {
		return models.TaskResult{}, false
	}
	return models.TaskResult{
		Success:  false,
		Status:   models.StatusCancelled,
		Metadata: meta,
	}, true
}

// fail publishes the terminal error event and returns the failed result.
func (o *Orchestrator) fail(sessionID, stage string, err error, meta models.ResultMetadata) models.TaskResult {
	taskErr := &taskerrors.TaskExecutionError{Stage: stage, Cause: err}
	o.logger.Error("Session failed", zap.String("stage", stage), zap.Error(err))
	o.emitter.Publish(sessionID, streaming.Error(stage, taskErr.Error()))
	return models.TaskResult{
		Success:  false,
		Status:   models.StatusFailed,
		Metadata: meta,
	}
}

func (o *Orchestrator) enterStage(ctx context.Context, sessionID, stage, message string, details map[string]interface{}) {
	o.updateSession(sessionID, func(rec *session.Record) { rec.Stage = stage })
	o.emitter.Publish(sessionID, streaming.Progress(stage, message, details))
}

func (o *Orchestrator) stageDone(sessionID, stage, message string, details map[string]interface{}) {
	o.emitter.Publish(sessionID, streaming.Progress(stage, message, details))
}

func (o *Orchestrator) publishUsage(sessionID string, u models.TokenUsage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	o.emitter.Publish(sessionID, streaming.Usage(u))
	o.updateSession(sessionID, func(rec *session.Record) {
		rec.TokenInput += u.InputTokens
		rec.TokenOutput += u.OutputTokens
	})
}

func (o *Orchestrator) updateSession(sessionID string, fn func(*session.Record)) {
	if o.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.sessions.Update(ctx, sessionID, fn); err != nil {
		o.logger.Debug("Session update skipped", zap.Error(err))
	}
}

func (o *Orchestrator) searchOptions(task models.Task) search.Options {
	opts := search.Options{
		MaxWorkers:         o.cfg.Search.MaxWorkers,
		MaxResultsPerQuery: o.cfg.Search.MaxResultsPerQuery,
		DaysBack:           o.cfg.Search.DaysBack,
		PerCallTimeout:     o.cfg.Search.PerCallTimeout,
		WaveDeadline:       o.cfg.Search.WaveDeadline,
		FallbackFloor:      o.cfg.Search.FallbackFloor,
	}
	if task.MaxWorkers > 0 {
		opts.MaxWorkers = task.MaxWorkers
	}
	if task.DaysBack > 0 {
		opts.DaysBack = task.DaysBack
	}
	return opts
}

// sourcesFor resolves the preferred and fallback source lists, honoring
// an explicit per-task source selection.
func (o *Orchestrator) sourcesFor(task models.Task) (preferred, fallback []string) {
	if len(task.Sources) > 0 {
		return task.Sources, o.cfg.Search.FallbackSources
	}
	return o.cfg.Search.PreferredSources, o.cfg.Search.FallbackSources
}

func (o *Orchestrator) sectionWorkers(task models.Task) int {
	if task.MaxWorkers > 0 {
		return task.MaxWorkers
	}
	return o.cfg.Sections.MaxWorkers
}

func withOutcome(meta models.ResultMetadata, outcome *refine.Outcome, store *search.DocumentStore) models.ResultMetadata {
	if outcome == nil {
		return meta
	}
	meta.RoundsUsed = outcome.RoundsUsed
	meta.DocumentCount = store.Len()
	meta.CollectorsFailed = outcome.CollectorsFailed
	meta.FallbackUsed = outcome.FallbackSearch || outcome.FallbackQueries
	meta.ThresholdMet = outcome.ThresholdMet
	meta.StagnationStop = outcome.StagnationStop
	return meta
}

func sectionTitles(plan models.Outline) []string {
	titles := make([]string, len(plan.Sections))
	for i, s := range plan.Sections {
		titles[i] = s.Title
	}
	return titles
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
