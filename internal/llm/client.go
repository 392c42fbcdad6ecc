// Package llm wraps the language-model service behind a small interface.
// The core treats every call as an opaque, fallible, retryable
// collaborator; this package adds typed errors and token accounting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/metrics"
	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

// Response formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Request is one completion call.
type Request struct {
	AgentID        string
	System         string
	Prompt         string
	ResponseFormat string
	MaxTokens      int
	Temperature    float64
}

// Response carries the model output plus the usage consumed producing it.
type Response struct {
	Text  string
	Usage models.TokenUsage
}

// Client is the collaborator interface the core depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient talks to the LLM service over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client for the given service URL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type serviceRequest struct {
	Query       string                 `json:"query"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Temperature float64                `json:"temperature"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

type serviceResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
	Metadata struct {
		Provider     string `json:"provider"`
		Model        string `json:"model_used"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
	} `json:"metadata"`
}

// Complete issues one completion call. Network failures, timeouts and
// 5xx responses surface as transient LLMErrors; 4xx responses are
// permanent.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body := serviceRequest{
		Query:       req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		AgentID:     req.AgentID,
	}
	if req.System != "" || req.ResponseFormat != "" {
		body.Context = map[string]interface{}{}
		if req.System != "" {
			body.Context["system_prompt"] = req.System
		}
		if req.ResponseFormat != "" {
			body.Context["response_format"] = req.ResponseFormat
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &taskerrors.LLMError{AgentID: req.AgentID, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/query", bytes.NewReader(payload))
	if err != nil {
		return nil, &taskerrors.LLMError{AgentID: req.AgentID, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.AgentID != "" {
		httpReq.Header.Set("X-Agent-ID", req.AgentID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.LLMCalls.WithLabelValues(req.AgentID, "error").Inc()
		return nil, &taskerrors.LLMError{AgentID: req.AgentID, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.LLMCalls.WithLabelValues(req.AgentID, "error").Inc()
		return nil, &taskerrors.LLMError{AgentID: req.AgentID, Transient: true, Err: fmt.Errorf("HTTP %d from llm service", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.LLMCalls.WithLabelValues(req.AgentID, "error").Inc()
		return nil, &taskerrors.LLMError{AgentID: req.AgentID, Err: fmt.Errorf("HTTP %d from llm service", resp.StatusCode)}
	}

	var svcResp serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&svcResp); err != nil {
		metrics.LLMCalls.WithLabelValues(req.AgentID, "error").Inc()
		return nil, &taskerrors.LLMError{AgentID: req.AgentID, Transient: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !svcResp.Success {
		metrics.LLMCalls.WithLabelValues(req.AgentID, "error").Inc()
		return nil, &taskerrors.LLMError{AgentID: req.AgentID, Err: fmt.Errorf("llm service: %s", svcResp.Error)}
	}

	usage := models.TokenUsage{
		Provider:     svcResp.Metadata.Provider,
		Model:        svcResp.Metadata.Model,
		InputTokens:  svcResp.Metadata.InputTokens,
		OutputTokens: svcResp.Metadata.OutputTokens,
	}
	metrics.LLMCalls.WithLabelValues(req.AgentID, "ok").Inc()
	metrics.LLMTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	metrics.LLMTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))

	c.logger.Debug("LLM call complete",
		zap.String("agent_id", req.AgentID),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
	)

	return &Response{Text: svcResp.Response, Usage: usage}, nil
}

// ExtractJSON finds the first balanced JSON object in model output and
// unmarshals it into out. Models wrap JSON in prose or code fences often
// enough that callers should not decode the raw text directly.
func ExtractJSON(text string, out interface{}) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return taskerrors.Malformed(fmt.Errorf("no JSON object found in response"))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return taskerrors.Malformed(fmt.Errorf("parse JSON: %w", err))
	}
	return nil
}
