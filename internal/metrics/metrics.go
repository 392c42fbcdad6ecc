package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Total number of report sessions started",
		},
		[]string{"task_type"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_sessions_completed_total",
			Help: "Total number of report sessions completed",
		},
		[]string{"task_type", "status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_session_duration_seconds",
			Help:    "End-to-end session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"task_type"},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_stage_duration_seconds",
			Help:    "Per-stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Search metrics
	SearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_search_calls_total",
			Help: "Total collector search calls by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	SearchDocuments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_search_documents_total",
			Help: "Total documents merged after deduplication",
		},
	)

	SearchDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_search_duplicates_total",
			Help: "Total documents suppressed by URL deduplication",
		},
	)

	SearchWaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribe_search_wave_duration_seconds",
			Help:    "Duration of one parallel search wave",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	// Refinement metrics
	RefinementRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribe_refinement_rounds",
			Help:    "Rounds used per session before termination",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	QualityOverall = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribe_quality_overall",
			Help:    "Final overall quality score per session",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)

	// Section generation metrics
	SectionsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_sections_written_total",
			Help: "Total sections drafted by status",
		},
		[]string{"status"},
	)

	// LLM metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_llm_calls_total",
			Help: "Total LLM calls by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_llm_tokens_total",
			Help: "Total tokens consumed by direction",
		},
		[]string{"direction"},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_events_published_total",
			Help: "Total progress events published by type",
		},
		[]string{"type"},
	)

	EventsAfterTerminal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_events_after_terminal_total",
			Help: "Publishes rejected because the session stream was already terminal",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_stream_subscribers",
			Help: "Currently connected stream subscribers",
		},
	)
)
