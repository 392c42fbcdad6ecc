package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/collectors"
	"github.com/veritaslab/scribe/internal/config"
	"github.com/veritaslab/scribe/internal/intent"
	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/orchestrator"
	"github.com/veritaslab/scribe/internal/outline"
	"github.com/veritaslab/scribe/internal/quality"
	"github.com/veritaslab/scribe/internal/querygen"
	"github.com/veritaslab/scribe/internal/refine"
	"github.com/veritaslab/scribe/internal/report"
	"github.com/veritaslab/scribe/internal/retrypolicy"
	"github.com/veritaslab/scribe/internal/search"
	"github.com/veritaslab/scribe/internal/sections"
	"github.com/veritaslab/scribe/internal/session"
	"github.com/veritaslab/scribe/internal/streaming"
)

type routedLLM struct{ byAgent map[string]string }

func (r *routedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	text, ok := r.byAgent[req.AgentID]
	if !ok {
		return nil, errors.New("no script for " + req.AgentID)
	}
	return &llm.Response{Text: text, Usage: models.TokenUsage{InputTokens: 1, OutputTokens: 2}}, nil
}

type fixedCollector struct{}

func (fixedCollector) Name() string       { return "stub" }
func (fixedCollector) SourceType() string { return models.SourceTypeWeb }
func (fixedCollector) Search(context.Context, string, int, int) ([]models.Document, error) {
	return []models.Document{
		{Title: "one", URL: "https://e.com/1", Content: "body", Source: "stub"},
	}, nil
}

func newTestAPI(t *testing.T) (*Server, *streaming.Emitter, *session.Manager) {
	t.Helper()
	logger := zap.NewNop()
	client := &routedLLM{byAgent: map[string]string{
		"query_generator":   `{"queries": ["q"]}`,
		"quality_evaluator": `{"relevance": 9, "credibility": 9, "completeness": 9, "timeliness": 9}`,
		"gap_analyzer":      `{"gaps": []}`,
		"outline_writer":    `{"title": "R", "sections": [{"title": "Only", "requirement": "all"}]}`,
		"content_writer":    "Body.",
		"summary_writer":    "Summary.",
	}}
	cfg := &config.Config{
		Server: config.ServerConfig{SessionDeadline: time.Minute},
		Search: config.SearchConfig{
			MaxWorkers: 2, MaxResultsPerQuery: 5, PerCallTimeout: time.Second,
			WaveDeadline: 5 * time.Second, FallbackFloor: 1, PreferredSources: []string{"stub"},
		},
		Refine:   config.RefineConfig{QualityThreshold: 7, MaxIterations: 2, StagnationRounds: 2},
		Sections: config.SectionsConfig{MaxWorkers: 2, PerSectionTimeout: time.Second, MaxDocsPerSection: 4},
	}

	classifier, err := intent.NewClassifier(intent.RuleTable{
		DefaultType: models.TypeResearch,
		Priority:    []string{models.TypeResearch},
		Rules:       map[string][]intent.Rule{models.TypeResearch: {{Keyword: "x", Weight: 1}}},
	}, logger)
	require.NoError(t, err)

	reg := collectors.NewSourceRegistry(fixedCollector{})
	policy := retrypolicy.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	exec := search.NewExecutor(reg, policy, logger)
	loop := refine.NewLoop(querygen.NewGenerator(client, time.Second, logger), exec, quality.NewEvaluator(client, logger), logger)
	emitter := streaming.NewEmitter(64, 64)

	orch, err := orchestrator.New(classifier, loop, exec,
		outline.NewBuilder(client, logger),
		sections.NewGenerator(client, nil, logger),
		report.NewAssembler(client, logger),
		emitter, cfg, logger)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	sessions := session.NewManagerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, logger)
	orch.WithSessions(sessions)

	return NewServer(orch, emitter, sessions, logger), emitter, sessions
}

func newTestServer(t *testing.T) (*httptest.Server, *Server, *streaming.Emitter, *session.Manager) {
	t.Helper()
	api, emitter, sessions := newTestAPI(t)
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, api, emitter, sessions
}

func TestCreateReportSynchronous(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json",
		strings.NewReader(`{"topic": "grid storage"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SessionID string            `json:"session_id"`
		Result    models.TaskResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.SessionID)
	assert.True(t, body.Result.Success)
	assert.Contains(t, body.Result.OutputContent, "Body.")
}

func TestCreateReportRejectsMissingTopic(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json", strings.NewReader(`{"topic": "  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/reports", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateReportCanonicalShape(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json",
		strings.NewReader(`{"task": "grid storage", "task_type": "auto", "kwargs": {"max_iterations": 1, "auto_confirm": true}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SessionID string            `json:"session_id"`
		Result    models.TaskResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.SessionID)
	assert.True(t, body.Result.Success)
	assert.Equal(t, 1, body.Result.Metadata.RoundsUsed)
	assert.Equal(t, models.TypeResearch, body.Result.Metadata.TaskType)
}

func TestCreateReportNestedKwargsWinOverFlatFields(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	// The flat threshold is out of reach; the nested one is trivially
	// met. The quality gate result shows which value the server used.
	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json",
		strings.NewReader(`{"task": "grid storage", "quality_threshold": 9.5, "kwargs": {"quality_threshold": 1}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result models.TaskResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Result.Success)
	assert.True(t, body.Result.Metadata.ThresholdMet)
	assert.Equal(t, 1, body.Result.Metadata.RoundsUsed)
}

func TestCreateReportRejectsBlankTask(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json",
		strings.NewReader(`{"task": "  ", "kwargs": {"max_iterations": 1}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamingReportAndSSE(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/reports/stream", "application/json",
		strings.NewReader(`{"topic": "grid storage"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		SessionID string `json:"session_id"`
		EventsURL string `json:"events_url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.SessionID)

	stream, err := http.Get(srv.URL + accepted.EventsURL)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	// The stream must deliver ordered events and close after the
	// terminal result.
	scanner := bufio.NewScanner(stream.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	var types []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, streaming.TypeResult, types[len(types)-1])
	for _, typ := range types[:len(types)-1] {
		assert.NotEqual(t, streaming.TypeResult, typ)
		assert.NotEqual(t, streaming.TypeError, typ)
	}
}

func TestSSEReplayAfterCompletion(t *testing.T) {
	srv, _, emitter, sessions := newTestServer(t)

	rec, err := sessions.Create(context.Background(), "t", models.TypeResearch)
	require.NoError(t, err)
	emitter.Publish(rec.ID, streaming.Progress("stage", "one", nil))
	emitter.Publish(rec.ID, streaming.Progress("stage", "two", nil))
	emitter.Publish(rec.ID, streaming.Result(models.TaskResult{Status: models.StatusCompleted}))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sessions/"+rec.ID+"/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var ids []string
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "id: ") {
			ids = append(ids, strings.TrimPrefix(scanner.Text(), "id: "))
		}
	}
	// Replay starts after seq 1 and ends at the terminal event.
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestWebSocketStream(t *testing.T) {
	srv, _, emitter, sessions := newTestServer(t)

	rec, err := sessions.Create(context.Background(), "t", models.TypeResearch)
	require.NoError(t, err)
	emitter.Publish(rec.ID, streaming.Progress("stage", "hello", nil))
	emitter.Publish(rec.ID, streaming.Result(models.TaskResult{Status: models.StatusCompleted}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + rec.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []streaming.Event
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streaming.Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		got = append(got, evt)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Message)
	assert.True(t, got[1].Terminal())
}

func TestGetSession(t *testing.T) {
	srv, _, _, sessions := newTestServer(t)

	rec, err := sessions.Create(context.Background(), "my topic", models.TypeResearch)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/sessions/" + rec.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got session.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "my topic", got.Topic)

	resp, err = http.Get(srv.URL + "/api/v1/sessions/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownSession(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/sessions/ghost/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
