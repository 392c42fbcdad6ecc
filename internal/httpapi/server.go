// Package httpapi exposes the report service over HTTP: synchronous and
// streaming report submission, session inspection, cancellation, and
// live event delivery over SSE and websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/orchestrator"
	"github.com/veritaslab/scribe/internal/session"
	"github.com/veritaslab/scribe/internal/streaming"
)

// Server routes API requests to the orchestrator. It owns the cancel
// functions of running sessions so cancellation is an API operation.
type Server struct {
	orch     *orchestrator.Orchestrator
	emitter  *streaming.Emitter
	sessions *session.Manager
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewServer(orch *orchestrator.Orchestrator, emitter *streaming.Emitter, sessions *session.Manager, logger *zap.Logger) *Server {
	return &Server{
		orch:     orch,
		emitter:  emitter,
		sessions: sessions,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/reports", s.handleCreateReport)
	mux.HandleFunc("POST /api/v1/reports/stream", s.handleCreateStreaming)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /api/v1/sessions/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// reportKwargs carries the per-session tuning knobs of the canonical
// request shape.
type reportKwargs struct {
	DaysBack         int      `json:"days_back,omitempty"`
	QualityThreshold float64  `json:"quality_threshold,omitempty"`
	MaxIterations    int      `json:"max_iterations,omitempty"`
	AutoConfirm      *bool    `json:"auto_confirm,omitempty"`
	MaxWorkers       int      `json:"max_workers,omitempty"`
	Style            string   `json:"style,omitempty"`
	Sources          []string `json:"sources,omitempty"`
}

// reportRequest accepts the canonical shape {task, task_type, kwargs}
// and, for compatibility, the same fields flattened at the top level.
// Nested kwargs win over flattened values.
type reportRequest struct {
	Task     string        `json:"task"`
	TaskType string        `json:"task_type,omitempty"`
	Kwargs   *reportKwargs `json:"kwargs,omitempty"`

	Topic            string   `json:"topic,omitempty"`
	Requirements     string   `json:"requirements,omitempty"`
	QualityThreshold float64  `json:"quality_threshold,omitempty"`
	MaxIterations    int      `json:"max_iterations,omitempty"`
	Style            string   `json:"style,omitempty"`
	DaysBack         int      `json:"days_back,omitempty"`
	MaxWorkers       int      `json:"max_workers,omitempty"`
	Sources          []string `json:"sources,omitempty"`
}

func (r reportRequest) topic() string {
	if t := strings.TrimSpace(r.Task); t != "" {
		return t
	}
	return strings.TrimSpace(r.Topic)
}

func (r reportRequest) toTask() models.Task {
	task := models.Task{
		Topic:            r.topic(),
		Requirements:     r.Requirements,
		TaskType:         r.TaskType,
		QualityThreshold: r.QualityThreshold,
		MaxIterations:    r.MaxIterations,
		Style:            r.Style,
		DaysBack:         r.DaysBack,
		MaxWorkers:       r.MaxWorkers,
		Sources:          r.Sources,
		// Sessions without a review frontend proceed unattended.
		AutoConfirm: true,
	}
	if kw := r.Kwargs; kw != nil {
		if kw.DaysBack > 0 {
			task.DaysBack = kw.DaysBack
		}
		if kw.QualityThreshold > 0 {
			task.QualityThreshold = kw.QualityThreshold
		}
		if kw.MaxIterations > 0 {
			task.MaxIterations = kw.MaxIterations
		}
		if kw.AutoConfirm != nil {
			task.AutoConfirm = *kw.AutoConfirm
		}
		if kw.MaxWorkers > 0 {
			task.MaxWorkers = kw.MaxWorkers
		}
		if kw.Style != "" {
			task.Style = kw.Style
		}
		if len(kw.Sources) > 0 {
			task.Sources = kw.Sources
		}
	}
	return task
}

// handleCreateReport runs the session synchronously and returns the
// final result. The stream still exists for anyone who subscribed.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReport(w, r)
	if !ok {
		return
	}
	rec, err := s.sessions.Create(r.Context(), req.topic(), req.TaskType)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s.track(rec.ID, cancel)
	defer s.untrack(rec.ID)

	result := s.orch.Execute(ctx, rec.ID, req.toTask())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": rec.ID,
		"result":     result,
	})
}

// handleCreateStreaming starts the session in the background and
// returns immediately with the stream location.
func (s *Server) handleCreateStreaming(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeReport(w, r)
	if !ok {
		return
	}
	rec, err := s.sessions.Create(r.Context(), req.topic(), req.TaskType)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.track(rec.ID, cancel)
	go func() {
		defer s.untrack(rec.ID)
		s.orch.Execute(ctx, rec.ID, req.toTask())
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": rec.ID,
		"events_url": "/api/v1/sessions/" + rec.ID + "/events",
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancel requests cooperative cancellation. The orchestrator
// notices at the next stage boundary and emits Result{cancelled}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "cancel_requested",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeReport(w http.ResponseWriter, r *http.Request) (reportRequest, bool) {
	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.topic() == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return req, false
	}
	return req, true
}

func (s *Server) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
